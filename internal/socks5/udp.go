package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/relaywire/socks5d/internal/logging"
)

// udpRelay implements a UDP ASSOCIATE relay: a single bound UDP socket that
// both receives client-wrapped datagrams and the upstream replies they
// provoke, demultiplexed by source address in one read loop. A single
// blocking send/receive pair would serialize unrelated flows; a read loop
// that dispatches by source does not.
type udpRelay struct {
	conn     *net.UDPConn
	resolver Resolver
	metrics  *Metrics
	log      *slog.Logger

	// clientIP restricts accepted datagrams to the address observed on the
	// TCP control connection. clientAddr additionally pins the exact
	// ip:port once the client's first datagram arrives, so later reads can
	// tell "from the client" apart from "a reply from upstream" without a
	// per-flow table.
	clientIP   net.IP
	clientAddr atomic.Pointer[net.UDPAddr]

	closed atomic.Bool
	done   chan struct{}
}

// newUDPRelay binds a fresh UDP socket on bindIP:0 — an ephemeral port for
// every association.
func newUDPRelay(bindIP net.IP, resolver Resolver, metrics *Metrics, log *slog.Logger) (*udpRelay, error) {
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind UDP relay socket: %w", err)
	}
	return &udpRelay{
		conn:     conn,
		resolver: resolver,
		metrics:  metrics,
		log:      log,
		done:     make(chan struct{}),
	}, nil
}

// LocalAddr returns the relay socket's bound address; its Port is what goes
// into the UDP ASSOCIATE success reply's BND.PORT.
func (r *udpRelay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// restrictToClient pins the relay to a single source IP. Call before Serve.
func (r *udpRelay) restrictToClient(ip net.IP) {
	r.clientIP = ip
}

// Close tears down the relay socket. Safe to call multiple times and from
// any goroutine; Serve observes it via the closed socket read error.
func (r *udpRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	close(r.done)
	return r.conn.Close()
}

// Serve runs the demultiplexing read loop until the socket is closed. It
// should be started in its own goroutine and torn down when the owning
// session's TCP control connection closes (RFC 1928 §3).
func (r *udpRelay) Serve(ctx context.Context) {
	buf := make([]byte, 65535)

	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed (or otherwise broken) — association is over
		}

		if r.clientIP != nil && !src.IP.Equal(r.clientIP) {
			if r.metrics != nil {
				r.metrics.UDPDropped.Inc()
			}
			continue
		}

		known := r.clientAddr.Load()
		if known == nil {
			// First datagram on this association always originates from the
			// client: nothing has been forwarded anywhere yet for a reply to
			// come back from.
			known = src
			r.clientAddr.Store(src)
		}

		if addrEqual(src, known) {
			r.handleClientDatagram(ctx, buf[:n])
		} else {
			r.handleUpstreamReply(known, src, buf[:n])
		}
	}
}

// handleClientDatagram parses the SOCKS header, resolves the destination
// if needed, and forwards the payload unwrapped.
func (r *udpRelay) handleClientDatagram(ctx context.Context, data []byte) {
	hdr, payload, err := parseUDPRequest(data)
	if err != nil {
		if r.metrics != nil {
			r.metrics.UDPParseErrors.Inc()
		}
		return
	}

	dstIP := hdr.IP
	if dstIP == nil {
		dstIP, err = r.resolver.Resolve(ctx, hdr.Host)
		if err != nil {
			return
		}
	}

	dst := &net.UDPAddr{IP: dstIP, Port: int(hdr.Port)}
	if _, err := r.conn.WriteToUDP(payload, dst); err != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.UDPForwarded.Inc()
	}
}

// handleUpstreamReply wraps the reply with a SOCKS header carrying the
// upstream's observed source tuple and sends it back to the client address
// captured from the original receive.
func (r *udpRelay) handleUpstreamReply(client, upstreamSrc *net.UDPAddr, payload []byte) {
	packet := packUDPReply(upstreamSrc.IP, uint16(upstreamSrc.Port), payload)
	if _, err := r.conn.WriteToUDP(packet, client); err != nil {
		return
	}
	if r.metrics != nil {
		r.metrics.UDPReplied.Inc()
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// handleUDPAssociate binds the relay, replies with its port, runs the
// datagram loop, and tears down when the TCP control connection closes —
// the documented-but-unenforced RFC 1928 §3 lifetime rule.
func (s *Session) handleUDPAssociate(ctx context.Context, req *request) error {
	relay, err := newUDPRelay(s.srv.udpBindIP, s.srv.resolver, s.metrics, s.log)
	if err != nil {
		writeReply(s.conn, ReplyServerFailure, nil, 0)
		return err
	}

	clientIP := clientIPFromConn(s.conn)
	if clientIP != nil {
		relay.restrictToClient(clientIP)
	}

	local := relay.LocalAddr()
	if err := writeReply(s.conn, ReplySucceeded, local.IP, uint16(local.Port)); err != nil {
		relay.Close()
		return fmt.Errorf("write UDP associate reply: %w", err)
	}

	s.setState(stateRelayingUDP)
	s.log.Info("udp associate established",
		logging.KeySessionID, s.id,
		logging.KeyAddress, local.String(),
	)

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Serve(ctx)
	}()

	// Per RFC 1928 §3, the association terminates when the TCP control
	// connection closes. Block on it here; any read returning means the
	// client disconnected or the peer reset the connection.
	discard := make([]byte, 1)
	for {
		if _, err := s.conn.Read(discard); err != nil {
			break
		}
	}

	relay.Close()
	<-relayDone
	return nil
}

// clientIPFromConn extracts the peer IP of a TCP session for restricting the
// UDP relay to that source. Returns nil for transports without a
// *net.TCPAddr remote address (e.g. the WebSocket listener), in which case
// the relay accepts datagrams from any source.
func clientIPFromConn(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}
