//go:build !linux

package socks5

import "syscall"

// tuneTCPConn is a no-op on platforms without the unix socket option
// constants used by the Linux implementation; outbound sockets keep OS
// defaults there.
func tuneTCPConn(_, _ string, _ syscall.RawConn) error { return nil }
