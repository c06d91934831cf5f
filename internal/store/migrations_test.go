package store

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrationsSkipsApplied(t *testing.T) {
	files := fstest.MapFS{
		"migrations/002_indexes.sql":   {Data: []byte("CREATE INDEX x ON documents (key);")},
		"migrations/001_documents.sql": {Data: []byte("CREATE TABLE documents ();")},
		"migrations/README.md":         {Data: []byte("ignored")},
	}

	pending, err := pendingMigrations(files, map[string]bool{})
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/001_documents.sql", "migrations/002_indexes.sql"}, pending)

	pending, err = pendingMigrations(files, map[string]bool{"001_documents.sql": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"migrations/002_indexes.sql"}, pending)
}

func TestEmbeddedMigrationsArePresent(t *testing.T) {
	pending, err := pendingMigrations(migrationFiles, nil)
	require.NoError(t, err)
	assert.Contains(t, pending, "migrations/001_documents.sql")
}
