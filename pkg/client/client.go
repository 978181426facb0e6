// Package client talks to a MessageU relay. Every call opens its own
// connection, sends one request and reads one response.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/protocol"
)

// Client holds the server address and the identity used in request headers.
// Register replaces the identity, so it must not run concurrently with
// other calls.
type Client struct {
	addr      string
	dial      func(ctx context.Context) (net.Conn, error)
	id        protocol.ClientID
	chunkSize int
	timeout   time.Duration
	logger    *logrus.Entry
}

type Option func(*Client)

// WithClientID sets the id sent in every request header.
func WithClientID(id protocol.ClientID) Option {
	return func(c *Client) { c.id = id }
}

// WithTimeout bounds each request, connection included. Zero means no
// bound beyond the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithChunkSize sets how much message content is written per call.
func WithChunkSize(n int) Option {
	return func(c *Client) { c.chunkSize = n }
}

// WithLogger enables debug logging of every exchange.
func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for addr. See parseServerAddress for the accepted forms.
func New(addr string, opts ...Option) (*Client, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		addr:      dc.display,
		dial:      dc.dial,
		chunkSize: protocol.DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Addr returns the normalized server address.
func (c *Client) Addr() string {
	return c.addr
}

// ID returns the id sent in request headers.
func (c *Client) ID() protocol.ClientID {
	return c.id
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

// Register registers username with the given public key and adopts the
// returned id for later requests.
func (c *Client) Register(ctx context.Context, username string, key protocol.PublicKey) (protocol.ClientID, error) {
	name, err := protocol.NewUsername(username)
	if err != nil {
		return protocol.ClientID{}, err
	}

	req := protocol.RegisterRequest{Username: name, PublicKey: key}
	var resp protocol.RegisteredResponse
	err = c.roundTrip(ctx, exchange{
		code:        protocol.CodeRegister,
		payloadSize: protocol.RegisterRequestSize,
		writeBody:   req.EncodeTo,
		expect:      protocol.CodeRegistered,
		readBody: func(r io.Reader, size uint32) error {
			if size != protocol.RegisteredResponseSize {
				return fmt.Errorf("%w: %d bytes", protocol.ErrSizeMismatch, size)
			}
			return resp.DecodeFrom(r)
		},
	})
	if err != nil {
		return protocol.ClientID{}, err
	}
	c.id = resp.ClientID
	return resp.ClientID, nil
}

// ListClients returns every other registered client the server fit into
// one response.
func (c *Client) ListClients(ctx context.Context) ([]protocol.ClientListEntry, error) {
	var entries []protocol.ClientListEntry
	err := c.roundTrip(ctx, exchange{
		code:   protocol.CodeListClients,
		expect: protocol.CodeClientList,
		readBody: func(r io.Reader, size uint32) error {
			if size%protocol.ClientListEntrySize != 0 {
				return fmt.Errorf("%w: %d is not a whole number of entries", protocol.ErrSizeMismatch, size)
			}
			entries = make([]protocol.ClientListEntry, size/protocol.ClientListEntrySize)
			for i := range entries {
				if err := entries[i].DecodeFrom(r); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return entries, err
}

// PublicKey fetches the public key registered for id.
func (c *Client) PublicKey(ctx context.Context, id protocol.ClientID) (protocol.PublicKey, error) {
	req := protocol.GetPublicKeyRequest{ClientID: id}
	var resp protocol.PublicKeyResponse
	err := c.roundTrip(ctx, exchange{
		code:        protocol.CodeGetPublicKey,
		payloadSize: protocol.GetPublicKeyRequestSize,
		writeBody:   req.EncodeTo,
		expect:      protocol.CodePublicKeyReply,
		readBody: func(r io.Reader, size uint32) error {
			if size != protocol.PublicKeyResponseSize {
				return fmt.Errorf("%w: %d bytes", protocol.ErrSizeMismatch, size)
			}
			return resp.DecodeFrom(r)
		},
	})
	if err == nil && resp.ClientID != id {
		err = fmt.Errorf("%w: asked for %s, got %s", ErrUnexpectedResponse, id, resp.ClientID)
	}
	return resp.PublicKey, err
}

// Send stores size bytes read from content for the receiver.
func (c *Client) Send(ctx context.Context, to protocol.ClientID, typ protocol.MessageType, content io.Reader, size uint32) (protocol.MessageID, error) {
	hdr := protocol.SendMessageHeader{Receiver: to, Type: typ, MessageSize: size}
	if hdr.PayloadSize() >= protocol.MaxPayloadSize {
		return 0, fmt.Errorf("%w: message of %d bytes does not fit one request", protocol.ErrSizeMismatch, size)
	}
	if !typ.Valid() {
		return 0, fmt.Errorf("%w (%d)", protocol.ErrUnknownMessageType, uint8(typ))
	}

	var resp protocol.MessageAcceptedResponse
	err := c.roundTrip(ctx, exchange{
		code:        protocol.CodeSendMessage,
		payloadSize: uint32(hdr.PayloadSize()),
		writeBody: func(w io.Writer) error {
			if err := hdr.EncodeTo(w); err != nil {
				return err
			}
			_, err := protocol.CopyChunked(w, content, int64(size), c.chunkSize)
			return err
		},
		expect: protocol.CodeMessageAccepted,
		readBody: func(r io.Reader, size uint32) error {
			if size != protocol.MessageAcceptedResponseSize {
				return fmt.Errorf("%w: %d bytes", protocol.ErrSizeMismatch, size)
			}
			return resp.DecodeFrom(r)
		},
	})
	return resp.MessageID, err
}

// Message is one pending message returned by Poll.
type Message struct {
	Sender  protocol.ClientID
	ID      protocol.MessageID
	Type    protocol.MessageType
	Content []byte
}

// Poll fetches the pending messages the server fit into one response. The
// server deletes what it returns; messages that did not fit arrive on a
// later poll.
func (c *Client) Poll(ctx context.Context) ([]Message, error) {
	var messages []Message
	err := c.roundTrip(ctx, exchange{
		code:   protocol.CodePollMessages,
		expect: protocol.CodePendingMessages,
		readBody: func(r io.Reader, size uint32) error {
			remaining := uint64(size)
			for remaining > 0 {
				var hdr protocol.PendingMessageHeader
				if err := hdr.DecodeFrom(r); err != nil {
					return err
				}
				if hdr.RecordSize() > remaining {
					return fmt.Errorf("%w: record of %d bytes overruns the body", protocol.ErrSizeMismatch, hdr.RecordSize())
				}
				content := make([]byte, hdr.MessageSize)
				if _, err := io.ReadFull(r, content); err != nil {
					return fmt.Errorf("%w: %w", protocol.ErrTruncatedInput, err)
				}
				messages = append(messages, Message{
					Sender:  hdr.Sender,
					ID:      hdr.MessageID,
					Type:    hdr.Type,
					Content: content,
				})
				remaining -= hdr.RecordSize()
			}
			return nil
		},
	})
	return messages, err
}
