//go:build !linux

package connection

import (
	"net"
	"time"
)

// TCP_USER_TIMEOUT is Linux only; keepalive alone covers other platforms
func setUserTimeout(_ *net.TCPConn, _ time.Duration) error {
	return nil
}
