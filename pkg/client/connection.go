package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/wsconn"
)

const defaultTCPPort = "1357"

var (
	// ErrRejected is returned when the server answers with the generic Error
	// response. The protocol carries no further detail.
	ErrRejected = errors.New("server rejected the request")

	ErrUnexpectedResponse = errors.New("unexpected response")
)

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
}

// parseServerAddress accepts host[:port], tcp://host[:port],
// ws://host[:port][/path] and wss://host[:port][/path]. WebSocket addresses
// default to the /ws path.
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		var d net.Dialer
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		if hostPort == "" {
			return nil, fmt.Errorf("invalid server address %q: missing host", raw)
		}
		if path == "" {
			path = "/ws"
		}
		u := url.URL{Scheme: scheme, Host: hostPort, Path: path}
		target := u.String()
		return &dialConfig{
			display: target,
			dial: func(ctx context.Context) (net.Conn, error) {
				return wsconn.Dial(ctx, target)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q (use tcp, ws or wss)", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	if hostPort == "" {
		return "", "", errors.New("server address is missing a host")
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		var addrErr *net.AddrError
		if errors.As(err, &addrErr) && strings.Contains(addrErr.Err, "missing port") {
			return strings.Trim(hostPort, "[]"), defaultPort, nil
		}
		return "", "", fmt.Errorf("invalid server address %q: %w", hostPort, err)
	}
	if port == "" {
		port = defaultPort
	}
	return host, port, nil
}

// exchange describes one request/response pair.
type exchange struct {
	code        protocol.Code
	payloadSize uint32
	writeBody   func(w io.Writer) error

	expect   protocol.Code
	readBody func(r io.Reader, size uint32) error
}

// roundTrip opens a connection, sends one request and reads its response.
// The connection is closed afterwards; the protocol never reuses one.
func (c *Client) roundTrip(ctx context.Context, ex exchange) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	w := bufio.NewWriterSize(conn, 64*1024)
	hdr := protocol.RequestHeader{
		ClientID:    c.id,
		Version:     protocol.ClientVersion,
		Code:        ex.code,
		PayloadSize: ex.payloadSize,
	}
	if err := hdr.EncodeTo(w); err != nil {
		return c.wrap(ctx, err)
	}
	if ex.writeBody != nil {
		if err := ex.writeBody(w); err != nil {
			return c.wrap(ctx, err)
		}
	}
	if err := w.Flush(); err != nil {
		return c.wrap(ctx, err)
	}

	resp, err := protocol.DecodeResponseHeader(conn)
	if err != nil {
		return c.wrap(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	c.logf("%s → %s (%d bytes)", protocol.CodeName(ex.code), protocol.CodeName(resp.Code), resp.PayloadSize)

	switch resp.Code {
	case ex.expect:
	case protocol.CodeError:
		return fmt.Errorf("%s: %w", protocol.CodeName(ex.code), ErrRejected)
	default:
		return fmt.Errorf("%w: %s answered with code %d", ErrUnexpectedResponse, protocol.CodeName(ex.code), resp.Code)
	}

	if ex.readBody == nil {
		return nil
	}
	body := bufio.NewReaderSize(io.LimitReader(conn, int64(resp.PayloadSize)), 64*1024)
	if err := ex.readBody(body, resp.PayloadSize); err != nil {
		return c.wrap(ctx, fmt.Errorf("failed to read %s body: %w", protocol.CodeName(resp.Code), err))
	}
	return nil
}

// wrap prefers the context's error when the deadline was forced by
// cancellation.
func (c *Client) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
