package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/aeolun/messageu/pkg/spool"
	"github.com/aeolun/messageu/pkg/store"
)

// Server is the MessageU relay. Every accepted connection carries exactly
// one request and gets its own goroutine; the store is the only state the
// goroutines share.
type Server struct {
	cfg     ServerConfig
	store   store.Store
	metrics *Metrics
	log     *logrus.Entry

	mu           sync.Mutex
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	stopping     bool
	shutdown     chan struct{}
	wg           sync.WaitGroup

	conns     *xsync.MapOf[uint64, *connection]
	nextID    atomic.Uint64
	startTime time.Time

	// fatal receives the error that stopped the accept loop.
	fatal          chan error
	acceptRetries  int
	maxAcceptDelay time.Duration
}

const (
	// defaultAcceptRetries is how many consecutive Accept failures are
	// retried before the accept loop gives up.
	defaultAcceptRetries  = 20
	minAcceptDelay        = 5 * time.Millisecond
	defaultMaxAcceptDelay = time.Second
)

// NewServer creates a server on top of an open store. The server owns the
// store from here on and closes it in Stop.
func NewServer(cfg ServerConfig, st store.Store) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		metrics:  NewMetrics(),
		log:      logrus.WithField("component", "server"),
		shutdown: make(chan struct{}),
		conns:    xsync.NewMapOf[uint64, *connection](),

		fatal:          make(chan error, 1),
		acceptRetries:  defaultAcceptRetries,
		maxAcceptDelay: defaultMaxAcceptDelay,
	}
}

// Err returns a channel that receives the error that stopped the accept
// loop. Nothing is sent when the loop ends because of Stop.
func (s *Server) Err() <-chan error {
	return s.fatal
}

// Metrics returns the server's metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start binds the TCP listener and, when an HTTP port is configured, the
// HTTP side-channel. It returns once both accept loops are running.
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: listenControl}

	addr := fmt.Sprintf(":%d", s.cfg.TCPPort)
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var httpListener net.Listener
	if s.cfg.HTTPPort > 0 {
		httpAddr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
		httpListener, err = lc.Listen(context.Background(), "tcp", httpAddr)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.httpListener = httpListener
	s.startTime = time.Now()
	s.mu.Unlock()

	logListenBacklog(listener.Addr().String())

	s.wg.Add(2)
	go s.acceptLoop(listener)
	go s.monitorListenOverflows()

	if httpListener != nil {
		s.startHTTP(httpListener)
	}
	return nil
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Stop closes the listeners and every in-flight connection, waits for the
// connection goroutines to exit and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.shutdown)
	listener, httpServer := s.listener, s.httpServer
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP shutdown incomplete")
		}
		cancel()
	}

	// Hijacked WebSocket connections are not covered by Shutdown.
	s.conns.Range(func(_ uint64, c *connection) bool {
		c.conn.Close()
		return true
	})

	s.wg.Wait()
	s.log.Info("Server stopped")
	return s.store.Close()
}

// acceptLoop hands every accepted connection to its own goroutine. Accept
// failures are retried with a growing delay; a closed listener or a run of
// failures longer than acceptRetries ends the loop and is reported on Err.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	var delay time.Duration
	failures := 0
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}

			failures++
			if errors.Is(err, net.ErrClosed) || failures > s.acceptRetries {
				s.log.WithError(err).WithField("failures", failures).Error("Accept loop giving up")
				s.fatal <- fmt.Errorf("accept: %w", err)
				return
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay *= 2
			}
			delay = min(delay, s.maxAcceptDelay)
			s.log.WithError(err).WithField("retry_in", delay).Warn("Accept error")

			select {
			case <-time.After(delay):
			case <-s.shutdown:
				return
			}
			continue
		}
		delay = 0
		failures = 0

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		c := s.track(conn, "tcp")
		if c == nil {
			conn.Close()
			continue
		}
		go c.serve()
	}
}

// track registers a new connection. It returns nil once Stop has begun.
func (s *Server) track(conn net.Conn, transport string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return nil
	}

	c := newConnection(s, s.nextID.Add(1), conn, transport)
	s.wg.Add(1)
	s.conns.Store(c.id, c)
	s.metrics.RecordConnectionAccepted(transport)
	s.metrics.RecordActiveConnections(s.conns.Size())
	return c
}

func (s *Server) untrack(c *connection) {
	s.conns.Delete(c.id)
	s.metrics.RecordActiveConnections(s.conns.Size())
	s.wg.Done()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int {
	return s.conns.Size()
}

func (s *Server) newSpool() *spool.Spool {
	sp := spool.New(s.cfg.SpoolDir, s.cfg.SpoolMemoryThreshold)
	sp.OnSpill = s.metrics.RecordSpoolSpill
	return sp
}

func (s *Server) storeOptions() store.Options {
	return store.Options{MaxContentSize: s.cfg.MaxContentSize}
}
