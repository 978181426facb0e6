// Package storetest is a conformance suite every storage engine must pass.
package storetest

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T, opts store.Options) store.Store

// Run exercises every store.Store operation against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"CreateAndFetchClient", testCreateAndFetchClient},
		{"FetchUnknownClient", testFetchUnknownClient},
		{"DuplicateUsername", testDuplicateUsername},
		{"UsernameComparedCanonically", testUsernameComparedCanonically},
		{"ConcurrentDuplicateUsername", testConcurrentDuplicateUsername},
		{"ConcurrentDistinctRegistrations", testConcurrentDistinctRegistrations},
		{"ListClientsBatches", testListClientsBatches},
		{"ListClientsSeesLaterInserts", testListClientsSeesLaterInserts},
		{"ListClientsStopsEarly", testListClientsStopsEarly},
		{"TouchLastSeen", testTouchLastSeen},
		{"TouchUnknownClient", testTouchUnknownClient},
		{"CreateAndListMessages", testCreateAndListMessages},
		{"EmptyMessage", testEmptyMessage},
		{"MessagesAreScopedToReceiver", testMessagesAreScopedToReceiver},
		{"ListPendingMessagesBatches", testListPendingMessagesBatches},
		{"PendingBatchesBoundedByBytes", testPendingBatchesBoundedByBytes},
		{"DeleteMessagesIdempotent", testDeleteMessagesIdempotent},
		{"ShortContent", testShortContent},
		{"ContentTooLarge", testContentTooLarge},
		{"OversizedContentIsNotRead", testOversizedContentIsNotRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore) })
	}
}

func open(t *testing.T, newStore Factory, opts store.Options) store.Store {
	t.Helper()
	s := newStore(t, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func username(t testing.TB, name string) protocol.Username {
	t.Helper()
	u, err := protocol.NewUsername(name)
	require.NoError(t, err)
	return u
}

func publicKey(seed byte) protocol.PublicKey {
	var k protocol.PublicKey
	for i := range k {
		k[i] = seed + byte(i)
	}
	return k
}

func register(t *testing.T, s store.Store, name string) protocol.ClientID {
	t.Helper()
	id, err := s.CreateClient(username(t, name), publicKey(byte(len(name))))
	require.NoError(t, err)
	return id
}

func send(t *testing.T, s store.Store, from, to protocol.ClientID, content string) protocol.MessageID {
	t.Helper()
	id, err := s.CreateMessage(from, to, protocol.MessageTypeText, bytes.NewReader([]byte(content)), uint32(len(content)))
	require.NoError(t, err)
	return id
}

func pending(t *testing.T, s store.Store, receiver protocol.ClientID) []store.Message {
	t.Helper()
	msgs, err := store.Collect(s.ListPendingMessages(receiver, 0))
	require.NoError(t, err)
	return msgs
}

func ids(msgs []store.Message) []protocol.MessageID {
	out := make([]protocol.MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func testCreateAndFetchClient(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})

	id, err := s.CreateClient(username(t, "alice"), publicKey(7))
	require.NoError(t, err)
	assert.False(t, id.IsZero())

	c, err := s.FetchClient(id)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.Equal(t, "alice", c.Username.String())
	assert.Equal(t, publicKey(7), c.PublicKey)
	assert.False(t, c.LastSeen.IsZero())
}

func testFetchUnknownClient(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})

	_, err := s.FetchClient(protocol.ClientID{1, 2, 3})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateUsername(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	register(t, s, "alice")

	_, err := s.CreateClient(username(t, "alice"), publicKey(9))
	assert.ErrorIs(t, err, store.ErrDuplicateUsername)
}

func testUsernameComparedCanonically(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	register(t, s, "bob")

	var padded protocol.Username
	copy(padded[:], "bob\x00trailing bytes")
	_, err := s.CreateClient(padded, publicKey(1))
	assert.ErrorIs(t, err, store.ErrDuplicateUsername)
}

func testConcurrentDuplicateUsername(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateClient(username(t, "carol"), publicKey(byte(i)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrDuplicateUsername)
	}
	assert.Equal(t, 1, succeeded)
}

func testConcurrentDistinctRegistrations(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})

	const n = 32
	var wg sync.WaitGroup
	got := make([]protocol.ClientID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.CreateClient(username(t, fmt.Sprintf("user-%02d", i)), publicKey(byte(i)))
			assert.NoError(t, err)
			got[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[protocol.ClientID]bool)
	for _, id := range got {
		assert.False(t, seen[id], "client id %s issued twice", id)
		seen[id] = true
	}

	clients, err := store.Collect(s.ListClients(5))
	require.NoError(t, err)
	assert.Len(t, clients, n)
}

func testListClientsBatches(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})

	want := make(map[protocol.ClientID]string)
	for i := 0; i < 7; i++ {
		name := fmt.Sprintf("user-%d", i)
		want[register(t, s, name)] = name
	}

	var sizes []int
	got := make(map[protocol.ClientID]string)
	for batch, err := range s.ListClients(3) {
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		for _, c := range batch {
			_, dup := got[c.ID]
			assert.False(t, dup, "client %s listed twice", c.ID)
			got[c.ID] = c.Username.String()
		}
	}

	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, want, got)
}

func testListClientsSeesLaterInserts(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	for i := 0; i < 4; i++ {
		register(t, s, fmt.Sprintf("early-%d", i))
	}

	// Registering between batches must not deadlock: no lock is held while
	// the caller processes a batch.
	total := 0
	first := true
	for batch, err := range s.ListClients(2) {
		require.NoError(t, err)
		total += len(batch)
		if first {
			register(t, s, "late")
			first = false
		}
	}

	assert.GreaterOrEqual(t, total, 4)
	assert.LessOrEqual(t, total, 5)
}

func testListClientsStopsEarly(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	for i := 0; i < 5; i++ {
		register(t, s, fmt.Sprintf("user-%d", i))
	}

	batches := 0
	for _, err := range s.ListClients(1) {
		require.NoError(t, err)
		batches++
		if batches == 2 {
			break
		}
	}
	assert.Equal(t, 2, batches)

	// The lock must have been released.
	register(t, s, "after-break")
}

func testTouchLastSeen(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	id := register(t, s, "dave")

	before, err := s.FetchClient(id)
	require.NoError(t, err)

	require.NoError(t, s.TouchLastSeen(id))

	after, err := s.FetchClient(id)
	require.NoError(t, err)
	assert.False(t, after.LastSeen.Before(before.LastSeen))
	assert.Equal(t, before.Username, after.Username)
	assert.Equal(t, before.PublicKey, after.PublicKey)
}

func testTouchUnknownClient(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	assert.NoError(t, s.TouchLastSeen(protocol.ClientID{9}))
}

func testCreateAndListMessages(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	content := []byte{0, 1, 2, 0xff, 'h', 'i'}
	id, err := s.CreateMessage(alice, bob, protocol.MessageTypeFile, bytes.NewReader(content), uint32(len(content)))
	require.NoError(t, err)

	msgs := pending(t, s, bob)
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, id, m.ID)
	assert.Equal(t, alice, m.Sender)
	assert.Equal(t, bob, m.Receiver)
	assert.Equal(t, protocol.MessageTypeFile, m.Type)
	assert.Equal(t, content, m.Content)
	assert.Equal(t, uint32(len(content)), m.Size())

	// Listing does not consume.
	assert.Len(t, pending(t, s, bob), 1)
}

func testEmptyMessage(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	_, err := s.CreateMessage(alice, bob, protocol.MessageTypeKeyRequest, bytes.NewReader(nil), 0)
	require.NoError(t, err)

	msgs := pending(t, s, bob)
	require.Len(t, msgs, 1)
	assert.Zero(t, msgs[0].Size())
	assert.Equal(t, protocol.MessageTypeKeyRequest, msgs[0].Type)
}

func testMessagesAreScopedToReceiver(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")
	carol := register(t, s, "carol")

	toBob := send(t, s, alice, bob, "for bob")
	toCarol := send(t, s, alice, carol, "for carol")
	assert.NotEqual(t, toBob, toCarol)

	assert.Equal(t, []protocol.MessageID{toBob}, ids(pending(t, s, bob)))
	assert.Equal(t, []protocol.MessageID{toCarol}, ids(pending(t, s, carol)))
	assert.Empty(t, pending(t, s, alice))
}

func testListPendingMessagesBatches(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	var want []protocol.MessageID
	for i := 0; i < 5; i++ {
		want = append(want, send(t, s, alice, bob, fmt.Sprintf("message %d", i)))
	}

	var got []protocol.MessageID
	for batch, err := range s.ListPendingMessages(bob, 2) {
		require.NoError(t, err)
		assert.LessOrEqual(t, len(batch), 2)
		got = append(got, ids(batch)...)
	}
	assert.ElementsMatch(t, want, got)
	assert.True(t, slices.IsSorted(got), "pending messages should come out in id order")
}

func testPendingBatchesBoundedByBytes(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{BatchBytes: 100})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	body := strings.Repeat("x", 60)
	var want []protocol.MessageID
	for i := 0; i < 5; i++ {
		want = append(want, send(t, s, alice, bob, body))
	}

	var got []protocol.MessageID
	batches := 0
	for batch, err := range s.ListPendingMessages(bob, 16) {
		require.NoError(t, err)
		require.NotEmpty(t, batch)
		batches++

		var loaded int
		for _, m := range batch {
			loaded += len(m.Content)
		}
		// A batch stops at the first message that reaches the limit.
		assert.Less(t, loaded, 100+len(body))
		got = append(got, ids(batch)...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 3, batches)
}

func testDeleteMessagesIdempotent(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	m1 := send(t, s, alice, bob, "one")
	m2 := send(t, s, alice, bob, "two")

	require.NoError(t, s.DeleteMessages(slices.Values([]protocol.MessageID{m1, m1})))
	assert.Equal(t, []protocol.MessageID{m2}, ids(pending(t, s, bob)))

	require.NoError(t, s.DeleteMessages(slices.Values([]protocol.MessageID{m1})))
	assert.Equal(t, []protocol.MessageID{m2}, ids(pending(t, s, bob)))

	require.NoError(t, s.DeleteMessages(slices.Values([]protocol.MessageID{m2, 0xdead})))
	assert.Empty(t, pending(t, s, bob))

	require.NoError(t, s.DeleteMessages(slices.Values([]protocol.MessageID(nil))))
}

func testShortContent(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	_, err := s.CreateMessage(alice, bob, protocol.MessageTypeText, bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
	assert.Empty(t, pending(t, s, bob))
}

func testContentTooLarge(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{MaxContentSize: 8})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	_, err := s.CreateMessage(alice, bob, protocol.MessageTypeText, bytes.NewReader(make([]byte, 9)), 9)
	assert.True(t, errors.Is(err, store.ErrContentTooLarge), "got %v", err)
	assert.Empty(t, pending(t, s, bob))

	_, err = s.CreateMessage(alice, bob, protocol.MessageTypeText, bytes.NewReader(make([]byte, 8)), 8)
	assert.NoError(t, err)
}

// readCounter hands out zero bytes and counts how many were asked for.
type readCounter struct {
	n int
}

func (r *readCounter) Read(p []byte) (int, error) {
	clear(p)
	r.n += len(p)
	return len(p), nil
}

func testOversizedContentIsNotRead(t *testing.T, newStore Factory) {
	s := open(t, newStore, store.Options{MaxContentSize: 1 << 10})
	alice := register(t, s, "alice")
	bob := register(t, s, "bob")

	r := &readCounter{}
	_, err := s.CreateMessage(alice, bob, protocol.MessageTypeFile, r, 1<<30)
	assert.True(t, errors.Is(err, store.ErrContentTooLarge), "got %v", err)
	assert.Zero(t, r.n, "content was read before the size was rejected")
	assert.Empty(t, pending(t, s, bob))
}
