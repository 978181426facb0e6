package sqlitestore

import (
	"bytes"
	"database/sql"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
	"github.com/aeolun/messageu/pkg/store/storetest"
)

func newTestStore(t *testing.T, opts store.Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts store.Options) store.Store {
		return newTestStore(t, opts)
	})
}

func TestMigrations(t *testing.T) {
	s := newTestStore(t, store.Options{})
	defer s.Close()

	var version int
	var name string
	err := s.conn.QueryRow("SELECT version, name FROM schema_migrations WHERE version = 1").Scan(&version, &name)
	require.NoError(t, err)
	assert.Equal(t, "initial", name)

	for _, table := range []string{"clients", "messages"} {
		var count int
		err := s.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path, store.Options{})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path, store.Options{})
	require.NoError(t, err)
	defer s2.Close()

	var count int
	require.NoError(t, s2.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	migrations, err := loadMigrations()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrationBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	// A database from before the migration system existed.
	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = conn.Exec("CREATE TABLE legacy (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	s, err := Open(path, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "test.db.backup-v0-") {
			found = true
		}
	}
	assert.True(t, found, "no backup file created")
}

func TestFreshDatabaseIsNotBackedUp(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), store.Options{})
	require.NoError(t, err)
	defer s.Close()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		assert.NotContains(t, f.Name(), ".backup-")
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version)
	}
	assert.Equal(t, 1, migrations[0].Version)
	assert.Equal(t, "initial", migrations[0].Name)
	assert.NotEmpty(t, migrations[0].SQL)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, store.Options{})
	require.NoError(t, err)
	name, err := protocol.NewUsername("alice")
	require.NoError(t, err)
	alice, err := s.CreateClient(name, protocol.PublicKey{1})
	require.NoError(t, err)
	_, err = s.CreateMessage(alice, alice, protocol.MessageTypeText, bytes.NewReader([]byte("kept")), 4)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, store.Options{})
	require.NoError(t, err)
	defer s.Close()

	msgs, err := store.Collect(s.ListPendingMessages(alice, 0))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("kept"), msgs[0].Content)
	assert.Equal(t, alice, msgs[0].Sender)
}

type countingReader struct {
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	r.n += int64(len(p))
	return len(p), nil
}

func TestContentPastLengthLimitIsNotRead(t *testing.T) {
	s := newTestStore(t, store.Options{})
	defer s.Close()
	require.Positive(t, s.maxLength)

	name, err := protocol.NewUsername("alice")
	require.NoError(t, err)
	alice, err := s.CreateClient(name, protocol.PublicKey{1})
	require.NoError(t, err)

	if s.maxLength >= math.MaxUint32 {
		t.Skip("length limit exceeds the MessageSize range")
	}
	size := uint32(s.maxLength)
	r := &countingReader{}
	_, err = s.CreateMessage(alice, alice, protocol.MessageTypeFile, io.LimitReader(r, int64(size)), size)
	require.ErrorIs(t, err, store.ErrContentTooLarge)
	assert.Zero(t, r.n)
}

func TestMessageIDsExhausted(t *testing.T) {
	s := newTestStore(t, store.Options{})
	defer s.Close()

	name, err := protocol.NewUsername("alice")
	require.NoError(t, err)
	alice, err := s.CreateClient(name, protocol.PublicKey{1})
	require.NoError(t, err)

	first, err := s.CreateMessage(alice, alice, protocol.MessageTypeText, bytes.NewReader([]byte("a")), 1)
	require.NoError(t, err)

	_, err = s.writeConn.Exec(`UPDATE sqlite_sequence SET seq = ? WHERE name = 'messages'`, int64(math.MaxUint32))
	require.NoError(t, err)

	_, err = s.CreateMessage(alice, alice, protocol.MessageTypeText, bytes.NewReader([]byte("b")), 1)
	require.ErrorIs(t, err, ErrMessageIDsExhausted)

	msgs, err := store.Collect(s.ListPendingMessages(alice, 0))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, first, msgs[0].ID)
}
