//go:build linux

package server

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// logListenBacklog logs the bound address together with the kernel's
// listen backlog limit.
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.WithFields(log.Fields{"addr": addr, "somaxconn": somaxconn}).Info("TCP server listening")
	if somaxconn > 0 && somaxconn < 1024 {
		log.WithField("somaxconn", somaxconn).Warn("Listen backlog is low for bursts of one-shot connections; consider sysctl -w net.core.somaxconn=4096")
	}
}

// monitorListenOverflows watches the kernel's ListenOverflows counter. With
// one connection per request, a full accept queue shows up here first.
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := listenOverflows()
	for {
		select {
		case <-ticker.C:
			current := listenOverflows()
			if current > last {
				s.log.WithFields(log.Fields{
					"rejected": current - last,
					"total":    current,
				}).Warn("Connections dropped by listen backlog overflow")
			}
			last = current
		case <-s.shutdown:
			return
		}
	}
}

// listenOverflows reads TcpExt ListenOverflows from /proc/net/netstat.
func listenOverflows() uint64 {
	f, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer f.Close()

	var names, values []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		values = fields[1:]
		break
	}

	for i, name := range names {
		if name == "ListenOverflows" && i < len(values) {
			n, _ := strconv.ParseUint(values[i], 10, 64)
			return n
		}
	}
	return 0
}
