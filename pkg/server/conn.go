package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/spool"
	"github.com/aeolun/messageu/pkg/store"
)

const (
	// After a response is sent the server keeps reading for a short while
	// before closing, so request bytes it never consumed do not turn the
	// close into a reset that destroys the response on the client side.
	lingerTimeout = 500 * time.Millisecond
	lingerLimit   = 256 << 10
)

type connState int

const (
	stateAwaitingHeader connState = iota
	stateDispatch
	stateBuildResponse
	stateSending
	stateDone
)

func (s connState) String() string {
	switch s {
	case stateAwaitingHeader:
		return "awaiting_header"
	case stateDispatch:
		return "dispatch"
	case stateBuildResponse:
		return "build_response"
	case stateSending:
		return "sending"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connReader counts the bytes read from the peer and marks transport
// failures with errConnection. io.EOF passes through untouched so short
// reads still decode as protocol.ErrTruncatedInput.
type connReader struct {
	r io.Reader
	n int64
}

func (cr *connReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: %w", errConnection, err)
	}
	return n, err
}

type handlerFunc func(c *connection) (*response, error)

type route struct {
	handle handlerFunc
	login  bool
}

var routes = map[protocol.Code]route{
	protocol.CodeRegister:     {handle: (*connection).handleRegister},
	protocol.CodeListClients:  {handle: (*connection).handleListClients, login: true},
	protocol.CodeGetPublicKey: {handle: (*connection).handleGetPublicKey, login: true},
	protocol.CodeSendMessage:  {handle: (*connection).handleSendMessage, login: true},
	protocol.CodePollMessages: {handle: (*connection).handlePollMessages, login: true},
}

// response is a response code and the body that goes with it. Bodies built
// by pagination live in a spool; fixed-width bodies are plain byte slices.
type response struct {
	code  protocol.Code
	size  uint32
	body  io.Reader
	spool *spool.Spool
}

func fixedResponse(code protocol.Code, payload []byte) *response {
	return &response{code: code, size: uint32(len(payload)), body: bytes.NewReader(payload)}
}

func spooledResponse(code protocol.Code, sp *spool.Spool, size uint32) (*response, error) {
	body, err := sp.Reader()
	if err != nil {
		sp.Close()
		return nil, err
	}
	return &response{code: code, size: size, body: body, spool: sp}, nil
}

func errorResponse() *response {
	return &response{code: protocol.CodeError}
}

func (r *response) close() {
	if r != nil && r.spool != nil {
		r.spool.Close()
	}
}

// connection serves exactly one request. It walks
// AwaitingHeader → Dispatch → BuildResponse → Sending → Done.
type connection struct {
	id        uint64
	srv       *Server
	conn      net.Conn
	transport string
	r         *connReader
	log       *logrus.Entry

	state  connState
	start  time.Time
	header *protocol.RequestHeader
	client store.Client
	handle handlerFunc
	resp   *response
	sent   bool
}

func newConnection(srv *Server, id uint64, conn net.Conn, transport string) *connection {
	return &connection{
		id:        id,
		srv:       srv,
		conn:      conn,
		transport: transport,
		r:         &connReader{r: conn},
		log: srv.log.WithFields(logrus.Fields{
			"conn_id":   id,
			"remote":    conn.RemoteAddr().String(),
			"transport": transport,
		}),
		state: stateAwaitingHeader,
	}
}

func (c *connection) serve() {
	defer c.finish()

	if c.srv.cfg.IdleTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
	}

	for c.state != stateDone {
		var err error
		switch c.state {
		case stateAwaitingHeader:
			err = c.awaitHeader()
		case stateDispatch:
			err = c.dispatch()
		case stateBuildResponse:
			err = c.buildResponse()
		case stateSending:
			err = c.send()
		}
		if err != nil {
			c.fail(err)
		}
	}
}

// fail decides what an error means for the connection. Truncated input,
// transport errors and anything going wrong while sending end the
// connection silently. Everything else becomes the generic Error response.
func (c *connection) fail(err error) {
	kind := errorKind(err)
	c.srv.metrics.RecordFailure(kind)
	entry := c.log.WithError(err).WithFields(logrus.Fields{"kind": kind, "state": c.state.String()})

	if isAbort(err) || c.state == stateSending {
		entry.Debug("Connection aborted")
		c.state = stateDone
		return
	}

	entry.Debug("Request failed")
	c.resp.close()
	c.resp = errorResponse()
	c.state = stateSending
}

func (c *connection) awaitHeader() error {
	h, err := protocol.DecodeRequestHeader(c.r)
	if err != nil {
		return err
	}
	c.header = h
	c.start = time.Now()
	c.log = c.log.WithFields(logrus.Fields{
		"code":      protocol.CodeName(h.Code),
		"client_id": h.ClientID.String(),
	})
	c.srv.metrics.RecordRequest(h.Code)
	c.log.WithField("payload_size", h.PayloadSize).Debug("Request received")

	c.state = stateDispatch
	return nil
}

func (c *connection) dispatch() error {
	rt, ok := routes[c.header.Code]
	if !ok {
		return fmt.Errorf("%w: %d", errUnknownCode, c.header.Code)
	}
	if rt.login {
		if err := c.login(); err != nil {
			return err
		}
	}
	c.handle = rt.handle
	c.state = stateBuildResponse
	return nil
}

// login resolves the header's ClientID to a registered client and records
// that it was seen. An unknown id is reported like any other failure.
func (c *connection) login() error {
	st := c.srv.store
	client, err := st.FetchClient(c.header.ClientID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := st.TouchLastSeen(client.ID); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.client = client
	c.log = c.log.WithField("username", client.Username.String())
	return nil
}

func (c *connection) buildResponse() error {
	resp, err := c.handle(c)
	if err != nil {
		return err
	}
	c.resp = resp
	c.state = stateSending
	return nil
}

func (c *connection) send() error {
	resp := c.resp
	if _, err := c.conn.Write(protocol.NewResponseHeader(resp.code, resp.size).Encode()); err != nil {
		return fmt.Errorf("%w: write header: %w", errConnection, err)
	}
	if resp.size > 0 {
		if _, err := protocol.CopyChunked(c.conn, resp.body, int64(resp.size), c.srv.cfg.ChunkSize); err != nil {
			return fmt.Errorf("%w: write body: %w", errConnection, err)
		}
	}

	c.sent = true
	c.srv.metrics.RecordResponse(resp.code, resp.size)
	c.log.WithFields(logrus.Fields{
		"response":     protocol.CodeName(resp.code),
		"payload_size": resp.size,
	}).Debug("Response sent")

	c.state = stateDone
	return nil
}

func (c *connection) finish() {
	c.resp.close()
	if c.sent {
		c.linger()
	}
	c.conn.Close()
	c.srv.untrack(c)

	if c.header != nil {
		c.srv.metrics.RecordDuration(c.header.Code, time.Since(c.start))
	}
}

// linger half-closes the connection where the transport allows it and
// discards whatever the peer still sends, until it closes, a deadline
// passes or lingerLimit bytes were read.
func (c *connection) linger() {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	c.conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.CopyN(io.Discard, c.conn, lingerLimit)
}
