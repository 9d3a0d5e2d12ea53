//go:build linux

package socks5

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// tuneTCPConn disables Nagle's algorithm and enables TCP keepalive on
// outbound CONNECT sockets, mirroring the socket tuning a dialer typically
// applies to long-lived proxied streams (grounded in the same SetsockoptInt
// pattern used for ipv6-pool dialers elsewhere in the retrieved corpus).
// Any error here is non-fatal: the connection still works with OS defaults.
func tuneTCPConn(_, _ string, c syscall.RawConn) error {
	c.Control(func(fd uintptr) {
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 30)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	})
	return nil
}
