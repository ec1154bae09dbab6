package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".worknode"
	fileName = "worknode.db"
)

// Pragmas applied to every connection. WAL plus a busy timeout lets the CLI and
// a running server share one file.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
}

type Config struct {
	Workspace string
}

func stateRoot(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Path returns the database file for a workspace.
func Path(workspace string) string {
	return filepath.Join(stateRoot(workspace), fileName)
}

// EnsureWorkspace creates the .worknode directory and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := stateRoot(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}

func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	file := Path(cfg.Workspace)
	dsn := "file:" + file + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	return conn, nil
}
