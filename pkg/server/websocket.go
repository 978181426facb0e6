package server

import (
	"net/http"

	"github.com/aeolun/messageu/pkg/wsconn"
)

// HandleWebSocket upgrades the request and serves one relay request over
// it, exactly as on a TCP connection. Each WebSocket carries one request.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(w, r)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := s.track(conn, "websocket")
	if c == nil {
		conn.Close()
		return
	}
	c.serve()
}
