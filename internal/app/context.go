package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"worknode/internal/config"
	"worknode/internal/db"
	"worknode/internal/engine"
	"worknode/internal/migrate"
)

// Workspace bundles what every command needs: the parsed config, an open and
// migrated database, and an engine bound to both.
type Workspace struct {
	Path   string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

// Open resolves worknode.yml (falling back to defaults when absent), opens the
// database and applies pending migrations.
func Open(workspace string, logger *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	if logger != nil {
		e.Logger = logger
	}
	return &Workspace{Path: workspace, Config: cfg, DB: conn, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
