package socks5

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Dialer opens the upstream connection for a CONNECT request. Injected into
// Server so tests can substitute a loopback or failing dialer without
// touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials the destination directly, tuning the resulting TCP
// socket (see socktune_linux.go). It is the default Dialer.
type DirectDialer struct{}

func (DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d := net.Dialer{Control: tuneTCPConn}
	return d.DialContext(ctx, network, address)
}

// handleConnect dials the upstream (the destination was already resolved by
// the caller), replies, then splices bytes until either side hits EOF.
func (s *Session) handleConnect(ctx context.Context, req *request, ip net.IP) error {
	network := "tcp4"
	if ip.To4() == nil {
		network = "tcp6"
	}
	target := net.JoinHostPort(ip.String(), portString(req.Port))

	start := time.Now()
	upstream, err := s.srv.dialer.DialContext(ctx, network, target)
	if s.metrics != nil {
		s.metrics.ConnectLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		rep := replyForDialError(err)
		writeReply(s.conn, rep, nil, 0)
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer upstream.Close()

	localAddr, _ := upstream.LocalAddr().(*net.TCPAddr)
	var bindIP net.IP
	var bindPort uint16
	if localAddr != nil {
		bindIP = localAddr.IP
		bindPort = uint16(localAddr.Port)
	}
	s.setState(stateRelayingTCP)
	if err := writeReply(s.conn, ReplySucceeded, bindIP, bindPort); err != nil {
		return fmt.Errorf("write connect reply: %w", err)
	}

	return relay(s.conn, upstream, s.srv.chunkSize, s.metrics)
}

// halfCloser is implemented by connections that support shutting down their
// write side independently (net.TCPConn does). Used so the far side of a
// relay observes EOF promptly instead of waiting for the whole connection to
// close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies bytes bidirectionally between client and upstream until
// either side reaches EOF, with no internal buffering beyond one chunk.
// Each direction runs in its own goroutine so a stalled write in one
// direction never blocks reads in the other.
func relay(client, upstream net.Conn, chunkSize int, m *Metrics) error {
	if chunkSize <= 0 {
		chunkSize = 4096
	}

	errCh := make(chan error, 2)

	pipe := func(dst, src net.Conn, count func(int64)) {
		buf := make([]byte, chunkSize)
		_, err := io.CopyBuffer(countingWriter{dst, count}, src, buf)
		if hc, ok := dst.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}

	go pipe(upstream, client, func(n int64) {
		if m != nil {
			m.BytesToUpstream.Add(float64(n))
		}
	})
	go pipe(client, upstream, func(n int64) {
		if m != nil {
			m.BytesToClient.Add(float64(n))
		}
	})

	err1 := <-errCh
	err2 := <-errCh
	if err1 != nil {
		return err1
	}
	return err2
}

// countingWriter wraps an io.Writer, reporting the number of bytes written
// on each call so relay can feed the metrics counters without a second pass
// over the data.
type countingWriter struct {
	io.Writer
	count func(int64)
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.Writer.Write(p)
	if n > 0 && c.count != nil {
		c.count(int64(n))
	}
	return n, err
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}
