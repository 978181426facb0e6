// Package store defines the storage contract the relay depends on.
//
// Engines live in subpackages (sqlitestore, badgerstore, memstore) and are
// interchangeable: the connection logic only sees the interfaces below.
// Every engine guards its operations with an rwlock.Locker. Mutations take
// the write side; single-record reads and each batch of a paginated walk take
// the read side, so a walk never holds the lock between batches.
package store

import (
	"errors"
	"io"
	"iter"
	"time"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/rwlock"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already registered")
	ErrContentTooLarge   = errors.New("message content too large")
	ErrClosed            = errors.New("store is closed")
)

// DefaultPageSize is the batch size used when a caller passes pageSize <= 0.
const DefaultPageSize = 64

// DefaultBatchBytes caps the message content loaded for one batch of a
// pending-message walk when Options.BatchBytes is zero.
const DefaultBatchBytes = 4 << 20

// Client is a registered participant.
type Client struct {
	ID        protocol.ClientID
	Username  protocol.Username
	PublicKey protocol.PublicKey
	LastSeen  time.Time
}

// Message is a pending message waiting for its receiver to poll.
type Message struct {
	ID       protocol.MessageID
	Sender   protocol.ClientID
	Receiver protocol.ClientID
	Type     protocol.MessageType
	Content  []byte
}

// Size returns the content length as carried in the MessageSize field.
func (m *Message) Size() uint32 {
	return uint32(len(m.Content))
}

type ClientStore interface {
	// CreateClient registers a new client under a fresh ClientID. The
	// username is compared after canonicalisation.
	CreateClient(username protocol.Username, key protocol.PublicKey) (protocol.ClientID, error)

	// FetchClient returns ErrNotFound if no such client exists.
	FetchClient(id protocol.ClientID) (Client, error)

	// ListClients walks every client in a stable order, pageSize at a time.
	// Clients registered during the walk may or may not appear.
	ListClients(pageSize int) iter.Seq2[[]Client, error]

	// TouchLastSeen updates the client's last-seen timestamp. A client that
	// does not exist is not an error.
	TouchLastSeen(id protocol.ClientID) error
}

type MessageStore interface {
	// CreateMessage stores size bytes read from content. The caller has
	// already checked that sender and receiver exist.
	CreateMessage(sender, receiver protocol.ClientID, typ protocol.MessageType, content io.Reader, size uint32) (protocol.MessageID, error)

	// ListPendingMessages walks the messages addressed to receiver in id
	// order without deleting them. A batch ends after pageSize messages or
	// once its content reaches the engine's batch byte limit, whichever
	// comes first, and always holds at least one message.
	ListPendingMessages(receiver protocol.ClientID, pageSize int) iter.Seq2[[]Message, error]

	// DeleteMessages removes the given messages. Ids that are already gone
	// are ignored.
	DeleteMessages(ids iter.Seq[protocol.MessageID]) error
}

type Store interface {
	ClientStore
	MessageStore
	io.Closer
}

// Options are shared by every engine.
type Options struct {
	// Lock guards the engine. Nil means a fresh rwlock.RWLock.
	Lock rwlock.Locker

	// MaxContentSize rejects larger messages with ErrContentTooLarge.
	// Zero leaves the limit to the engine.
	MaxContentSize uint64

	// BatchBytes caps the content held by one pending-message batch.
	BatchBytes uint64
}

// BatchByteLimit returns BatchBytes or DefaultBatchBytes.
func (o Options) BatchByteLimit() uint64 {
	if o.BatchBytes > 0 {
		return o.BatchBytes
	}
	return DefaultBatchBytes
}

// Locker returns the configured lock or a new fair lock.
func (o Options) Locker() rwlock.Locker {
	if o.Lock != nil {
		return o.Lock
	}
	return rwlock.New()
}

// CheckContentSize returns ErrContentTooLarge when size exceeds the limit.
func (o Options) CheckContentSize(size uint32) error {
	if o.MaxContentSize > 0 && uint64(size) > o.MaxContentSize {
		return ErrContentTooLarge
	}
	return nil
}

// Batches runs a keyset-paginated walk. fetch is called under the read side
// of l for each batch with the key of the last record already yielded (nil
// for the first batch) and reports whether more records may follow. The walk
// ends at the first empty batch or the first one fetch reports as final.
func Batches[T, K any](l rwlock.Locker, pageSize int, fetch func(after *K, limit int) (batch []T, more bool, err error), key func(T) K) iter.Seq2[[]T, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func([]T, error) bool) {
		var after *K
		for {
			l.RLock()
			batch, more, err := fetch(after, pageSize)
			l.RUnlock()

			if err != nil {
				yield(nil, err)
				return
			}
			if len(batch) == 0 {
				return
			}
			if !yield(batch, nil) {
				return
			}
			if !more {
				return
			}
			last := key(batch[len(batch)-1])
			after = &last
		}
	}
}

// ReadContent reads exactly size bytes of message content.
func ReadContent(r io.Reader, size uint32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Collect drains a walk into one slice. Meant for tests and small stores.
func Collect[T any](seq iter.Seq2[[]T, error]) ([]T, error) {
	var out []T
	for batch, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, batch...)
	}
	return out, nil
}
