// Package pagination packs ClientList and PendingMessages bodies so the
// total payload stays strictly below the maximum payload size.
//
// The two responses treat a record that does not fit differently. A client
// list is cut off at the first client that does not fit; the caller can ask
// again. A pending message that does not fit is skipped and the walk goes on,
// so smaller messages behind it still go out and the skipped one stays
// stored for a later poll.
package pagination

import (
	"io"
	"iter"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/store"
)

// Budget accounts for the bytes committed to one response body.
type Budget struct {
	used uint64
	max  uint64
}

// NewBudget returns a budget whose total must stay below max. A max of zero,
// or one above protocol.MaxPayloadSize, means protocol.MaxPayloadSize.
func NewBudget(max uint64) *Budget {
	if max == 0 || max > protocol.MaxPayloadSize {
		max = protocol.MaxPayloadSize
	}
	return &Budget{max: max}
}

// Fits reports whether n more bytes keep the total below the maximum.
func (b *Budget) Fits(n uint64) bool {
	return n < b.max && b.used < b.max-n
}

// Take commits n bytes if they fit.
func (b *Budget) Take(n uint64) bool {
	if !b.Fits(n) {
		return false
	}
	b.used += n
	return true
}

// Used is the number of bytes committed so far. It always fits in a
// PayloadSize field.
func (b *Budget) Used() uint32 {
	return uint32(b.used)
}

// ClientsResult describes a packed ClientList body.
type ClientsResult struct {
	Count     int
	Size      uint32
	Truncated bool
}

// PackClients writes a ClientList entry for every client except exclude,
// stopping at the first entry that would overflow the budget.
func PackClients(w io.Writer, clients iter.Seq2[[]store.Client, error], exclude protocol.ClientID, max uint64) (ClientsResult, error) {
	budget := NewBudget(max)
	var res ClientsResult

	for batch, err := range clients {
		if err != nil {
			return res, err
		}
		for i := range batch {
			c := &batch[i]
			if c.ID == exclude {
				continue
			}
			if !budget.Take(protocol.ClientListEntrySize) {
				res.Truncated = true
				res.Size = budget.Used()
				return res, nil
			}
			entry := protocol.ClientListEntry{ClientID: c.ID, Username: c.Username}
			if err := entry.EncodeTo(w); err != nil {
				return res, err
			}
			res.Count++
		}
	}

	res.Size = budget.Used()
	return res, nil
}

// MessagesResult describes a packed PendingMessages body.
type MessagesResult struct {
	Delivered []protocol.MessageID
	Skipped   int
	Size      uint32
}

// PackMessages writes every pending message that fits the remaining budget,
// skipping the ones that do not. Content is written in chunks of chunkSize.
func PackMessages(w io.Writer, messages iter.Seq2[[]store.Message, error], max uint64, chunkSize int) (MessagesResult, error) {
	budget := NewBudget(max)
	var res MessagesResult

	for batch, err := range messages {
		if err != nil {
			return res, err
		}
		for i := range batch {
			m := &batch[i]
			hdr := protocol.PendingMessageHeader{
				Sender:      m.Sender,
				MessageID:   m.ID,
				Type:        m.Type,
				MessageSize: m.Size(),
			}
			if !budget.Take(hdr.RecordSize()) {
				res.Skipped++
				continue
			}
			if err := hdr.EncodeTo(w); err != nil {
				return res, err
			}
			if err := writeChunked(w, m.Content, chunkSize); err != nil {
				return res, err
			}
			res.Delivered = append(res.Delivered, m.ID)
		}
	}

	res.Size = budget.Used()
	return res, nil
}

func writeChunked(w io.Writer, p []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultChunkSize
	}
	for len(p) > 0 {
		n := min(chunkSize, len(p))
		if _, err := w.Write(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
