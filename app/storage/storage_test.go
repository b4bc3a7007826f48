package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HerbertGao/BanhammerBot/app/storage/engine"
)

// newTestDB makes an in-memory sqlite engine for store tests
func newTestDB(t *testing.T) *engine.SQL {
	t.Helper()
	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
