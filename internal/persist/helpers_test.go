package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testItem struct {
	Path  string
	Event int
}

// openTestDB opens a fresh database in a temporary directory.
func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}
