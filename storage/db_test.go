package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	require.NoError(t, db.Put([]byte("outbox/002"), []byte("b")))
	require.NoError(t, db.Put([]byte("outbox/001"), []byte("a")))
	require.NoError(t, db.Put([]byte("other/001"), []byte("x")))

	value, err := db.Get([]byte("outbox/001"))
	require.NoError(t, err)
	require.Equal(t, "a", string(value))

	var keys []string
	require.NoError(t, db.Iterate([]byte("outbox/"), func(key, _ []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"outbox/001", "outbox/002"}, keys)

	require.NoError(t, db.Delete([]byte("outbox/001")))
	_, err = db.Get([]byte("outbox/001"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemDB(t *testing.T) {
	exerciseDatabase(t, NewMemDB())
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "outbox"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	_, err := OpenSQL(SQLConfig{Driver: "oracle", DSN: "x"}, nil)
	require.ErrorIs(t, err, ErrUnknownDriver)
	_, err = OpenSQL(SQLConfig{Driver: "sqlite"}, nil)
	require.ErrorIs(t, err, ErrDSNRequired)
}
