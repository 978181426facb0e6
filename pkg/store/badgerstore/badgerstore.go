// Package badgerstore is an embedded key-value storage engine on BadgerDB.
package badgerstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/rwlock"
	"github.com/aeolun/messageu/pkg/store"
)

var errCorrupt = errors.New("badgerstore: corrupt record")

// Store implements store.Store on BadgerDB.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	lock rwlock.Locker
	opts store.Options

	// maxValue is the largest value Badger accepts in one entry.
	maxValue uint64
}

var _ store.Store = (*Store)(nil)

// Open opens the database directory at path. An empty path keeps
// everything in memory.
func Open(path string, opts store.Options) (*Store, error) {
	bopts := badger.DefaultOptions(path).
		WithLogger(log.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", path, err)
	}

	seq, err := db.GetSequence(keySequence, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open message id sequence: %w", err)
	}

	return &Store{
		db:       db,
		seq:      seq,
		lock:     opts.Locker(),
		opts:     opts,
		maxValue: uint64(bopts.ValueLogFileSize),
	}, nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	serr := s.seq.Release()
	if err := s.db.Close(); err != nil {
		return err
	}
	return serr
}

func (s *Store) CreateClient(username protocol.Username, key protocol.PublicKey) (protocol.ClientID, error) {
	username = username.Canonical()
	c := store.Client{
		ID:        protocol.ClientID(uuid.New()),
		Username:  username,
		PublicKey: key,
		LastSeen:  time.Now(),
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyUsername(username))
		if err == nil {
			return store.ErrDuplicateUsername
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(keyUsername(username), c.ID[:]); err != nil {
			return err
		}
		return txn.Set(keyClient(c.ID), encodeClient(&c))
	})
	if err != nil {
		return protocol.ClientID{}, err
	}
	return c.ID, nil
}

func (s *Store) FetchClient(id protocol.ClientID) (store.Client, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var c store.Client
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyClient(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			c, err = decodeClient(id, v)
			return err
		})
	})
	return c, err
}

func (s *Store) ListClients(pageSize int) iter.Seq2[[]store.Client, error] {
	return store.Batches(s.lock, pageSize, func(after *protocol.ClientID, limit int) ([]store.Client, bool, error) {
		batch := make([]store.Client, 0, limit)
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefixClient
			it := txn.NewIterator(opts)
			defer it.Close()

			start := prefixClient
			if after != nil {
				start = keyClient(*after)
			}
			for it.Seek(start); it.Valid() && len(batch) < limit; it.Next() {
				item := it.Item()
				if after != nil && bytes.Equal(item.Key(), start) {
					continue
				}
				var id protocol.ClientID
				copy(id[:], item.Key()[len(prefixClient):])
				err := item.Value(func(v []byte) error {
					c, err := decodeClient(id, v)
					if err == nil {
						batch = append(batch, c)
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		return batch, len(batch) == limit, err
	}, func(c store.Client) protocol.ClientID { return c.ID })
}

func (s *Store) TouchLastSeen(id protocol.ClientID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(keyClient(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var c store.Client
		err = item.Value(func(v []byte) error {
			c, err = decodeClient(id, v)
			return err
		})
		if err != nil {
			return err
		}
		c.LastSeen = time.Now()
		return txn.Set(keyClient(id), encodeClient(&c))
	})
}

// nextMessageID draws from the sequence, skipping zero and ids still pending
// after a wrap of the 32-bit space.
func (s *Store) nextMessageID(txn *badger.Txn) (protocol.MessageID, error) {
	for {
		n, err := s.seq.Next()
		if err != nil {
			return 0, err
		}
		id := protocol.MessageID(n + 1)
		if id == 0 {
			continue
		}
		_, err = txn.Get(keyIndex(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return id, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

func (s *Store) CreateMessage(sender, receiver protocol.ClientID, typ protocol.MessageType, content io.Reader, size uint32) (protocol.MessageID, error) {
	if err := s.opts.CheckContentSize(size); err != nil {
		return 0, err
	}
	if uint64(size)+messageValueHeader >= s.maxValue {
		return 0, store.ErrContentTooLarge
	}
	data, err := store.ReadContent(content, size)
	if err != nil {
		return 0, fmt.Errorf("failed to read message content: %w", err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	var id protocol.MessageID
	err = s.db.Update(func(txn *badger.Txn) error {
		var err error
		if id, err = s.nextMessageID(txn); err != nil {
			return err
		}
		if err := txn.Set(keyMessage(receiver, id), encodeMessage(sender, typ, data)); err != nil {
			return err
		}
		return txn.Set(keyIndex(id), receiver[:])
	})
	if errors.Is(err, badger.ErrTxnTooBig) {
		return 0, store.ErrContentTooLarge
	}
	if err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	return id, nil
}

func (s *Store) ListPendingMessages(receiver protocol.ClientID, pageSize int) iter.Seq2[[]store.Message, error] {
	prefix := keyMessagePrefix(receiver)
	maxBytes := s.opts.BatchByteLimit()
	return store.Batches(s.lock, pageSize, func(after *protocol.MessageID, limit int) ([]store.Message, bool, error) {
		batch := make([]store.Message, 0, limit)
		var loaded uint64
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			start := prefix
			if after != nil {
				start = keyMessage(receiver, *after)
			}
			for it.Seek(start); it.Valid() && len(batch) < limit && loaded < maxBytes; it.Next() {
				item := it.Item()
				if after != nil && bytes.Equal(item.Key(), start) {
					continue
				}
				idBytes := item.Key()[len(prefix):]
				if len(idBytes) != protocol.MessageIDSize {
					return errCorrupt
				}
				id := protocol.MessageID(binary.BigEndian.Uint32(idBytes))
				err := item.Value(func(v []byte) error {
					m, err := decodeMessage(receiver, id, v)
					if err == nil {
						batch = append(batch, m)
						loaded += uint64(len(m.Content))
					}
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		return batch, len(batch) == limit || loaded >= maxBytes, err
	}, func(m store.Message) protocol.MessageID { return m.ID })
}

func (s *Store) DeleteMessages(ids iter.Seq[protocol.MessageID]) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		for id := range ids {
			item, err := txn.Get(keyIndex(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var receiver protocol.ClientID
			if err := item.Value(func(v []byte) error {
				copy(receiver[:], v)
				return nil
			}); err != nil {
				return err
			}
			if err := txn.Delete(keyMessage(receiver, id)); err != nil {
				return err
			}
			if err := txn.Delete(keyIndex(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}
