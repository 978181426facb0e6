// Package memstore is an in-memory storage engine. Nothing survives a
// restart; it backs tests and the "memory" engine setting.
package memstore

import (
	"bytes"
	"cmp"
	"io"
	"iter"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/rwlock"
	"github.com/aeolun/messageu/pkg/store"
)

type Store struct {
	lock rwlock.Locker
	opts store.Options

	clients  map[protocol.ClientID]*store.Client
	byName   map[protocol.Username]protocol.ClientID
	messages map[protocol.MessageID]*store.Message
	nextID   protocol.MessageID
	closed   bool
}

var _ store.Store = (*Store)(nil)

func New(opts store.Options) *Store {
	return &Store{
		lock:     opts.Locker(),
		opts:     opts,
		clients:  make(map[protocol.ClientID]*store.Client),
		byName:   make(map[protocol.Username]protocol.ClientID),
		messages: make(map[protocol.MessageID]*store.Message),
		nextID:   1,
	}
}

func (s *Store) CreateClient(username protocol.Username, key protocol.PublicKey) (protocol.ClientID, error) {
	username = username.Canonical()

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return protocol.ClientID{}, store.ErrClosed
	}
	if _, taken := s.byName[username]; taken {
		return protocol.ClientID{}, store.ErrDuplicateUsername
	}

	var id protocol.ClientID
	for {
		id = protocol.ClientID(uuid.New())
		if _, exists := s.clients[id]; !exists {
			break
		}
	}

	s.clients[id] = &store.Client{
		ID:        id,
		Username:  username,
		PublicKey: key,
		LastSeen:  time.Now(),
	}
	s.byName[username] = id
	return id, nil
}

func (s *Store) FetchClient(id protocol.ClientID) (store.Client, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if s.closed {
		return store.Client{}, store.ErrClosed
	}
	c, ok := s.clients[id]
	if !ok {
		return store.Client{}, store.ErrNotFound
	}
	return *c, nil
}

func (s *Store) ListClients(pageSize int) iter.Seq2[[]store.Client, error] {
	return store.Batches(s.lock, pageSize, func(after *protocol.ClientID, limit int) ([]store.Client, bool, error) {
		if s.closed {
			return nil, false, store.ErrClosed
		}
		ids := make([]protocol.ClientID, 0, len(s.clients))
		for id := range s.clients {
			if after == nil || bytes.Compare(id[:], after[:]) > 0 {
				ids = append(ids, id)
			}
		}
		slices.SortFunc(ids, func(a, b protocol.ClientID) int { return bytes.Compare(a[:], b[:]) })

		batch := make([]store.Client, 0, min(limit, len(ids)))
		for _, id := range ids[:min(limit, len(ids))] {
			batch = append(batch, *s.clients[id])
		}
		return batch, len(batch) == limit, nil
	}, func(c store.Client) protocol.ClientID { return c.ID })
}

func (s *Store) TouchLastSeen(id protocol.ClientID) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if c, ok := s.clients[id]; ok {
		c.LastSeen = time.Now()
	}
	return nil
}

func (s *Store) CreateMessage(sender, receiver protocol.ClientID, typ protocol.MessageType, content io.Reader, size uint32) (protocol.MessageID, error) {
	if err := s.opts.CheckContentSize(size); err != nil {
		return 0, err
	}
	data, err := store.ReadContent(content, size)
	if err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return 0, store.ErrClosed
	}

	// Ids wrap around; skip any still pending.
	id := s.nextID
	for _, taken := s.messages[id]; taken || id == 0; _, taken = s.messages[id] {
		id++
	}
	s.nextID = id + 1

	s.messages[id] = &store.Message{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		Type:     typ,
		Content:  data,
	}
	return id, nil
}

func (s *Store) ListPendingMessages(receiver protocol.ClientID, pageSize int) iter.Seq2[[]store.Message, error] {
	maxBytes := s.opts.BatchByteLimit()
	return store.Batches(s.lock, pageSize, func(after *protocol.MessageID, limit int) ([]store.Message, bool, error) {
		if s.closed {
			return nil, false, store.ErrClosed
		}
		var pending []store.Message
		for _, m := range s.messages {
			if m.Receiver == receiver && (after == nil || m.ID > *after) {
				pending = append(pending, *m)
			}
		}
		slices.SortFunc(pending, func(a, b store.Message) int { return cmp.Compare(a.ID, b.ID) })

		var loaded uint64
		n := 0
		for n < min(limit, len(pending)) && loaded < maxBytes {
			loaded += uint64(len(pending[n].Content))
			n++
		}
		return pending[:n], n == limit || loaded >= maxBytes, nil
	}, func(m store.Message) protocol.MessageID { return m.ID })
}

func (s *Store) DeleteMessages(ids iter.Seq[protocol.MessageID]) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return store.ErrClosed
	}
	for id := range ids {
		delete(s.messages, id)
	}
	return nil
}

func (s *Store) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
