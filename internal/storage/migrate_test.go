package storage

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilesSortedSQLOnly(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":     {Data: []byte("SELECT 1")},
		"002_approvals.sql": {Data: []byte("SELECT 1")},
		"001_activity.sql":  {Data: []byte("SELECT 1")},
		"embed.go":          {Data: []byte("package migrations")},
		"README.md":         {Data: []byte("notes")},
		"old/003_x.sql":     {Data: []byte("SELECT 1")},
	}
	names, err := migrationFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_activity.sql", "002_approvals.sql", "010_later.sql"}, names)
}
