package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/socks5d/internal/logging"
)

// ServerConfig holds the server's tunable behavior. NewServer fills a zero
// Dialer, Resolver, Authenticators, ChunkSize or Logger from
// DefaultServerConfig; every other field is used as given, so a zero
// MaxConnections, ConnectTimeout or IdleTimeout turns that limit off.
type ServerConfig struct {
	// Address to listen on for plain SOCKS5-over-TCP, e.g. "127.0.0.1:1080".
	Address string

	// MaxConnections limits concurrent sessions across both listeners (0 =
	// unlimited).
	MaxConnections int

	// ConnectTimeout bounds how long a CONNECT dial may take.
	ConnectTimeout time.Duration

	// IdleTimeout sets a deadline on a plain-TCP session's client connection,
	// this long after the session starts. Traffic does not extend the
	// deadline, and WebSocket sessions do not get one. 0 disables it.
	IdleTimeout time.Duration

	// ChunkSize is the buffer size used when relaying CONNECT traffic.
	ChunkSize int

	// Authenticators are tried, in order, against the client's offered
	// method list (RFC 1928 §3). Defaults to no-auth if empty.
	Authenticators []Authenticator

	// Dialer opens upstream CONNECT connections. Defaults to DirectDialer.
	Dialer Dialer

	// Resolver resolves domain-name requests to IPv4 addresses. Defaults to
	// NewResolver().
	Resolver Resolver

	// Metrics, when non-nil, receives Prometheus observations for every
	// session. Nil disables instrumentation entirely.
	Metrics *Metrics

	// Logger receives structured session events. Defaults to a discard
	// logger.
	Logger *slog.Logger

	// WebSocket, when non-nil, starts a second SOCKS5 ingress tunneled over
	// WebSocket as an alternate transport.
	WebSocket *WebSocketConfig
}

// DefaultServerConfig returns the server's out-of-the-box behavior: no auth,
// direct dialing, a 1000-connection ceiling, and generous timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		ChunkSize:      4096,
		Authenticators: []Authenticator{NoAuthAuthenticator{}},
		Dialer:         DirectDialer{},
		Resolver:       NewResolver(),
		Logger:         logging.NopLogger(),
	}
}

// Server accepts SOCKS5 connections (plain TCP and, optionally, WebSocket)
// and runs each to completion as a Session.
type Server struct {
	cfg ServerConfig

	authenticators []Authenticator
	dialer         Dialer
	resolver       Resolver
	chunkSize      int
	udpBindIP      net.IP
	metrics        *Metrics
	log            *slog.Logger

	listener net.Listener
	ws       *WebSocketListener

	tracker  *connTracker[net.Conn]
	sessions atomic.Int64

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server from cfg, filling an unset Dialer, Resolver,
// Authenticators, ChunkSize or Logger from DefaultServerConfig.
func NewServer(cfg ServerConfig) *Server {
	def := DefaultServerConfig()
	if cfg.Dialer == nil {
		cfg.Dialer = def.Dialer
	}
	if cfg.Resolver == nil {
		cfg.Resolver = def.Resolver
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = def.Authenticators
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	var udpBindIP net.IP
	if host, _, err := net.SplitHostPort(cfg.Address); err == nil {
		udpBindIP = net.ParseIP(host)
	}

	return &Server{
		cfg:            cfg,
		authenticators: cfg.Authenticators,
		dialer:         cfg.Dialer,
		resolver:       cfg.Resolver,
		chunkSize:      cfg.ChunkSize,
		udpBindIP:      udpBindIP,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		tracker:        newConnTracker[net.Conn](),
		stopCh:         make(chan struct{}),
	}
}

// Start binds the TCP listener (and, if configured, the WebSocket listener)
// and begins accepting sessions.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("socks5 listener started", logging.KeyAddress, listener.Addr().String())

	if s.cfg.WebSocket != nil {
		ws, err := NewWebSocketListener(*s.cfg.WebSocket, s)
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("create websocket listener: %w", err)
		}
		if err := ws.Start(); err != nil {
			s.listener.Close()
			return fmt.Errorf("start websocket listener: %w", err)
		}
		s.ws = ws
		s.log.Info("socks5 websocket listener started", logging.KeyAddress, ws.Address())
	}

	return nil
}

// Stop closes both listeners, closes every tracked connection, and waits
// for their session goroutines to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.ws != nil {
			s.ws.Stop()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if it doesn't
// finish before ctx is done.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the TCP listener's bound address, or nil if not started.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketAddress returns the WebSocket listener's address, or "" if not
// configured.
func (s *Server) WebSocketAddress() string {
	if s.ws == nil {
		return ""
	}
	return s.ws.Address()
}

// ConnectionCount returns the number of sessions currently in flight across
// both listeners.
func (s *Server) ConnectionCount() int64 {
	n := s.tracker.count()
	if s.ws != nil {
		n += s.ws.ConnectionCount()
	}
	return n
}

// IsRunning reports whether Start has been called and Stop has not.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("accept error", logging.KeyError, err.Error())
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.tracker.remove(conn)
			s.serveConn(conn)
		}()
	}
}

// serveConn drives one accepted connection through a Session, applying the
// server's idle timeout if configured.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	ctx := context.Background()
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	id := strconv.FormatInt(s.sessions.Add(1), 10)
	sess := newSession(id, conn, s)
	if err := sess.Handle(ctx); err != nil {
		s.log.Debug("session ended", logging.KeySessionID, id, logging.KeyError, err.Error())
	}
}

// WithAuthenticators returns a copy of cfg with its authenticator list
// replaced.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithDialer returns a copy of cfg with its Dialer replaced.
func (cfg ServerConfig) WithDialer(dialer Dialer) ServerConfig {
	cfg.Dialer = dialer
	return cfg
}

// WithMaxConnections returns a copy of cfg with MaxConnections set.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
