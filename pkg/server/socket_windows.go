//go:build windows

package server

import "syscall"

// listenControl sets SO_REUSEADDR so a restarted server can bind its port
// while old one-shot connections sit in TIME_WAIT.
func listenControl(network, address string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
