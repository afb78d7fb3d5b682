package database

import (
	"database/sql"
	"io/fs"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgstore "github.com/aihub/docindex/internal/store/postgres"
)

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, "migrations")
	require.NoError(t, err)

	var ups, downs int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	assert.Positive(t, ups)
	assert.Equal(t, ups, downs, "every migration needs a down file")

	up, err := fs.ReadFile(embeddedMigrations, "migrations/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"documents", "job_states", "chunks", "embeddings", "dead_letters", "graph_nodes", "graph_edges"} {
		assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table, table)
	}
	assert.Len(t, pgstore.Tables(), 7)
}

func TestMigrationManager(t *testing.T) {
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("Skipping migration test: TEST_DB_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	mm, err := NewMigrationManager(db, "", quietLogger())
	require.NoError(t, err)
	defer mm.Close()

	require.NoError(t, mm.Up())
	version, dirty, err := mm.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// applying again is a no-op
	require.NoError(t, mm.Up())

	var exists bool
	require.NoError(t, db.QueryRow(`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'graph_edges')`).Scan(&exists))
	assert.True(t, exists)

	require.NoError(t, mm.Down())
	version, _, err = mm.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}
