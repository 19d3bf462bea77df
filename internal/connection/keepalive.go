package connection

import (
	"net"
	"time"
)

// SetTCPKeepalive enables TCP keepalive so half-open device connections are
// detected by the kernel.
// idle: time before first probe
// interval: time between probes
// count: number of probes before connection is considered dead
func SetTCPKeepalive(conn net.Conn, idle, interval time.Duration, count int) error {
	tcpConn, ok := underlyingTCP(conn)
	if !ok {
		return nil // Not a TCP connection, skip
	}

	if err := tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     idle,
		Interval: interval,
		Count:    count,
	}); err != nil {
		return err
	}

	// Also bound unacknowledged writes where the platform supports it
	return setUserTimeout(tcpConn, idle+interval*time.Duration(count))
}

// underlyingTCP unwraps PROXY protocol connections
func underlyingTCP(conn net.Conn) (*net.TCPConn, bool) {
	for {
		switch c := conn.(type) {
		case *net.TCPConn:
			return c, true
		case interface{ TCPConn() (*net.TCPConn, bool) }:
			return c.TCPConn()
		case interface{ Raw() net.Conn }:
			conn = c.Raw()
		default:
			return nil, false
		}
	}
}
