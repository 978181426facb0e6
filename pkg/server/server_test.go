package server

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/messageu/pkg/store"
	"github.com/aeolun/messageu/pkg/store/memstore"
)

// brokenListener fails every Accept with err.
type brokenListener struct {
	err   error
	calls atomic.Int64
}

func (l *brokenListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	return nil, l.err
}

func (l *brokenListener) Close() error   { return nil }
func (l *brokenListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func newIdleServer(t *testing.T) *Server {
	t.Helper()
	logrus.SetOutput(io.Discard)
	cfg := DefaultConfig()
	cfg.Engine = "memory"
	return NewServer(cfg, memstore.New(store.Options{}))
}

func runAcceptLoop(t *testing.T, s *Server, l net.Listener) error {
	t.Helper()
	s.wg.Add(1)
	go s.acceptLoop(l)

	select {
	case err := <-s.Err():
		s.wg.Wait()
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not give up")
		return nil
	}
}

func TestAcceptLoopGivesUpOnPersistentErrors(t *testing.T) {
	s := newIdleServer(t)
	s.acceptRetries = 3
	s.maxAcceptDelay = time.Millisecond

	l := &brokenListener{err: &net.OpError{Op: "accept", Net: "tcp", Err: syscall.EMFILE}}
	err := runAcceptLoop(t, s, l)

	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EMFILE), "got %v", err)
	assert.Equal(t, int64(4), l.calls.Load())
}

func TestAcceptLoopBacksOffBetweenRetries(t *testing.T) {
	s := newIdleServer(t)
	s.acceptRetries = 4
	s.maxAcceptDelay = 20 * time.Millisecond

	l := &brokenListener{err: errors.New("too many open files")}
	start := time.Now()
	require.Error(t, runAcceptLoop(t, s, l))

	// 5ms + 10ms + 20ms + 20ms of waiting before the fifth failure.
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
	assert.Equal(t, int64(5), l.calls.Load())
}

func TestAcceptLoopStopsOnClosedListener(t *testing.T) {
	s := newIdleServer(t)

	l := &brokenListener{err: net.ErrClosed}
	err := runAcceptLoop(t, s, l)

	assert.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, int64(1), l.calls.Load())
}

func TestStopDoesNotReportAcceptError(t *testing.T) {
	srv := startTestServer(t, nil)
	require.NoError(t, srv.Stop())

	select {
	case err := <-srv.Err():
		t.Fatalf("unexpected accept error after Stop: %v", err)
	default:
	}
}
