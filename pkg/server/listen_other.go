//go:build !linux

package server

import log "github.com/sirupsen/logrus"

func logListenBacklog(addr string) {
	log.WithField("addr", addr).Info("TCP server listening")
}

// monitorListenOverflows has no counter to watch outside Linux.
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
