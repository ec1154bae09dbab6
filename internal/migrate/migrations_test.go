package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "m.db")+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	applied, err := List(conn)
	require.NoError(t, err)
	all, err := steps()
	require.NoError(t, err)
	require.Len(t, applied, len(all))
	assert.Equal(t, 1, applied[0].Version)
	assert.Equal(t, "0001_init.sql", applied[0].Name)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n))
	assert.Zero(t, n)
}
