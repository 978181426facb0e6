// Package sqlitestore is the relational storage engine, backed by the pure-Go
// modernc.org/sqlite driver.
//
// Reads go through a pooled connection; writes go through a dedicated single
// connection so SQLite never sees two writers from this process.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/url"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/rwlock"
	"github.com/aeolun/messageu/pkg/store"
)

// ErrMessageIDsExhausted is returned once the messages table has issued
// every 32-bit id. AUTOINCREMENT never reuses ids, so this is permanent for
// the database file.
var ErrMessageIDsExhausted = errors.New("message ids exhausted")

// defaultLengthLimit is SQLite's compiled-in SQLITE_MAX_LENGTH.
const defaultLengthLimit = 1_000_000_000

// messageRowOverhead covers the non-content columns of a messages row.
const messageRowOverhead = 64

// Store implements store.Store on SQLite.
type Store struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection
	lock      rwlock.Locker
	opts      store.Options

	// maxLength is the write connection's SQLITE_LIMIT_LENGTH.
	maxLength uint64
}

var _ store.Store = (*Store)(nil)

var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(NORMAL)",
}

// dsn applies the pragmas to every pooled connection, not just the first.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, opts store.Options) (*Store, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}

	writeConn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		conn:      conn,
		writeConn: writeConn,
		lock:      opts.Locker(),
		opts:      opts,
		maxLength: lengthLimit(writeConn),
	}, nil
}

// lengthLimit reads the largest string or blob the connection accepts.
func lengthLimit(db *sql.DB) uint64 {
	c, err := db.Conn(context.Background())
	if err != nil {
		return defaultLengthLimit
	}
	defer c.Close()

	n, err := sqlite.Limit(c, sqlite3.SQLITE_LIMIT_LENGTH, -1)
	if err != nil || n <= 0 {
		return defaultLengthLimit
	}
	return uint64(n)
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	werr := s.writeConn.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return werr
}

// sqliteCode returns the primary or extended result code of a driver error.
func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

func (s *Store) CreateClient(username protocol.Username, key protocol.PublicKey) (protocol.ClientID, error) {
	username = username.Canonical()
	id := protocol.ClientID(uuid.New())

	s.lock.Lock()
	defer s.lock.Unlock()

	var exists bool
	err := s.writeConn.QueryRow(`SELECT EXISTS(SELECT 1 FROM clients WHERE username = ?)`, username[:]).Scan(&exists)
	if err != nil {
		return protocol.ClientID{}, fmt.Errorf("failed to check username: %w", err)
	}
	if exists {
		return protocol.ClientID{}, store.ErrDuplicateUsername
	}

	_, err = s.writeConn.Exec(`
		INSERT INTO clients (id, username, public_key, last_seen)
		VALUES (?, ?, ?, ?)
	`, id[:], username[:], key[:], time.Now().UnixMilli())
	if err != nil {
		if code, ok := sqliteCode(err); ok && code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return protocol.ClientID{}, store.ErrDuplicateUsername
		}
		return protocol.ClientID{}, fmt.Errorf("failed to insert client: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (store.Client, error) {
	var c store.Client
	var id, username, key []byte
	var lastSeen int64
	if err := row.Scan(&id, &username, &key, &lastSeen); err != nil {
		return c, err
	}
	copy(c.ID[:], id)
	copy(c.Username[:], username)
	copy(c.PublicKey[:], key)
	c.LastSeen = time.UnixMilli(lastSeen)
	return c, nil
}

func (s *Store) FetchClient(id protocol.ClientID) (store.Client, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	c, err := scanClient(s.conn.QueryRow(`
		SELECT id, username, public_key, last_seen FROM clients WHERE id = ?
	`, id[:]))
	if errors.Is(err, sql.ErrNoRows) {
		return c, store.ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("failed to fetch client %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) ListClients(pageSize int) iter.Seq2[[]store.Client, error] {
	return store.Batches(s.lock, pageSize, func(after *protocol.ClientID, limit int) ([]store.Client, bool, error) {
		var rows *sql.Rows
		var err error
		if after == nil {
			rows, err = s.conn.Query(`
				SELECT id, username, public_key, last_seen FROM clients
				ORDER BY id LIMIT ?
			`, limit)
		} else {
			rows, err = s.conn.Query(`
				SELECT id, username, public_key, last_seen FROM clients
				WHERE id > ? ORDER BY id LIMIT ?
			`, after[:], limit)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to list clients: %w", err)
		}
		defer rows.Close()

		batch := make([]store.Client, 0, limit)
		for rows.Next() {
			c, err := scanClient(rows)
			if err != nil {
				return nil, false, err
			}
			batch = append(batch, c)
		}
		return batch, len(batch) == limit, rows.Err()
	}, func(c store.Client) protocol.ClientID { return c.ID })
}

func (s *Store) TouchLastSeen(id protocol.ClientID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.writeConn.Exec(`UPDATE clients SET last_seen = ? WHERE id = ?`, time.Now().UnixMilli(), id[:])
	return err
}

// CreateMessage rejects content the connection's length limit would refuse
// before reading any of it.
func (s *Store) CreateMessage(sender, receiver protocol.ClientID, typ protocol.MessageType, content io.Reader, size uint32) (protocol.MessageID, error) {
	if err := s.opts.CheckContentSize(size); err != nil {
		return 0, err
	}
	if uint64(size)+messageRowOverhead > s.maxLength {
		return 0, store.ErrContentTooLarge
	}
	data, err := store.ReadContent(content, size)
	if err != nil {
		return 0, fmt.Errorf("failed to read message content: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	tx, err := s.writeConn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO messages (sender, receiver, type, content)
		VALUES (?, ?, ?, ?)
	`, sender[:], receiver[:], uint8(typ), data)
	if err != nil {
		if code, ok := sqliteCode(err); ok && code&0xff == sqlite3.SQLITE_TOOBIG {
			return 0, store.ErrContentTooLarge
		}
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id <= 0 || id > math.MaxUint32 {
		return 0, fmt.Errorf("%w: next id is %d", ErrMessageIDsExhausted, id)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return protocol.MessageID(id), nil
}

func (s *Store) ListPendingMessages(receiver protocol.ClientID, pageSize int) iter.Seq2[[]store.Message, error] {
	maxBytes := s.opts.BatchByteLimit()
	return store.Batches(s.lock, pageSize, func(after *protocol.MessageID, limit int) ([]store.Message, bool, error) {
		var afterID int64
		if after != nil {
			afterID = int64(*after)
		}
		rows, err := s.conn.Query(`
			SELECT id, sender, type, content FROM messages
			WHERE receiver = ? AND id > ?
			ORDER BY id LIMIT ?
		`, receiver[:], afterID, limit)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list messages: %w", err)
		}
		defer rows.Close()

		// Rows are stepped lazily, so stopping early leaves the rest unread.
		batch := make([]store.Message, 0, limit)
		var loaded uint64
		for loaded < maxBytes && rows.Next() {
			m := store.Message{Receiver: receiver}
			var id int64
			var sender []byte
			var typ uint8
			if err := rows.Scan(&id, &sender, &typ, &m.Content); err != nil {
				return nil, false, err
			}
			m.ID = protocol.MessageID(id)
			copy(m.Sender[:], sender)
			m.Type = protocol.MessageType(typ)
			batch = append(batch, m)
			loaded += uint64(len(m.Content))
		}
		return batch, len(batch) == limit || loaded >= maxBytes, rows.Err()
	}, func(m store.Message) protocol.MessageID { return m.ID })
}

func (s *Store) DeleteMessages(ids iter.Seq[protocol.MessageID]) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, err := s.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`DELETE FROM messages WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for id := range ids {
		if _, err := stmt.Exec(int64(id)); err != nil {
			return fmt.Errorf("failed to delete message %d: %w", id, err)
		}
	}
	return tx.Commit()
}
