package socks5

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaywire/socks5d/internal/logging"
	"nhooyr.io/websocket"
)

// WebSocketConfig configures the WebSocket SOCKS5 listener.
type WebSocketConfig struct {
	// Address to listen on (e.g., "0.0.0.0:8443" or "127.0.0.1:8081")
	Address string

	// Path for WebSocket upgrade (default: "/socks5")
	Path string

	// TLSConfig for TLS termination (nil requires PlainText: true)
	TLSConfig *tls.Config

	// PlainText allows running without TLS (for reverse proxy mode)
	PlainText bool

	// Credentials for HTTP Basic Auth validation before WebSocket upgrade.
	// If nil, no authentication is required at the HTTP level.
	// Uses the same credential store as SOCKS5 authentication.
	Credentials CredentialStore

	// OnError is called when the server encounters an error after starting.
	// This is optional - if nil, errors are silently ignored.
	OnError func(err error)
}

// splashPageTemplate is a minimal HTML page served at "/" so the endpoint
// doesn't look bare to anything that probes it over plain HTTP.
const splashPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>socks5d</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            background: #16213e;
            color: #e4e4e7;
            font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .container { text-align: center; padding: 40px 20px; max-width: 480px; }
        h1 { font-size: 2rem; font-weight: 700; margin-bottom: 8px; color: #ffffff; }
        .tagline { font-size: 1rem; color: #a1a1aa; }
    </style>
</head>
<body>
    <div class="container">
        <h1>socks5d</h1>
        <p class="tagline">SOCKS5 proxy, reachable over WebSocket at this path.</p>
    </div>
</body>
</html>
`

// WebSocketListener accepts SOCKS5 connections over WebSocket.
type WebSocketListener struct {
	cfg    WebSocketConfig
	srv    *Server
	server *http.Server

	// Actual listener address (set after binding)
	addr net.Addr

	tracker *connTracker[net.Conn]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a new WebSocket SOCKS5 listener that serves
// sessions through srv.
func NewWebSocketListener(cfg WebSocketConfig, srv *Server) (*WebSocketListener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required (use PlainText: true for reverse proxy mode)")
	}

	if cfg.Path == "" {
		cfg.Path = "/socks5"
	}

	return &WebSocketListener{
		cfg:     cfg,
		srv:     srv,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start starts the WebSocket listener.
func (l *WebSocketListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()

	// Serve splash page at root
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, splashPageTemplate)
	})

	// WebSocket upgrade handler for SOCKS5
	mux.HandleFunc(l.cfg.Path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	// Start server
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}

		if serveErr != nil && serveErr != http.ErrServerClosed {
			// Report error via callback if configured
			if l.cfg.OnError != nil {
				l.cfg.OnError(serveErr)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the listener.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}

	close(l.stopCh)

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.server.Shutdown(ctx)

	// Close all active connections
	l.tracker.closeAll()

	l.wg.Wait()
	return nil
}

// Address returns the actual listening address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active WebSocket SOCKS5 connections.
func (l *WebSocketListener) ConnectionCount() int64 {
	return l.tracker.count()
}

// IsRunning returns true if the listener is running.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

// handleWebSocket handles WebSocket upgrade and SOCKS5 protocol.
// Important: This function blocks until the WebSocket connection closes.
// The nhooyr.io/websocket library expects the HTTP handler to remain active
// for the lifetime of the WebSocket connection.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Validate HTTP Basic Auth if credentials are configured
	if l.cfg.Credentials != nil {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="SOCKS5 Proxy"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !l.cfg.Credentials.Valid(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="SOCKS5 Proxy"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if max := l.srv.cfg.MaxConnections; max > 0 && l.srv.ConnectionCount() >= int64(max) {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	// Accept WebSocket connection with socks5 subprotocol
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"socks5"},
	})
	if err != nil {
		return
	}

	// Verify client negotiated the socks5 subprotocol for protocol strictness.
	// Reject connections that don't speak the expected protocol.
	if conn.Subprotocol() != "socks5" {
		conn.Close(websocket.StatusProtocolError, "socks5 subprotocol required")
		return
	}

	// nhooyr.io/websocket's NetConn adapts the framed WebSocket connection to
	// net.Conn directly: reads/writes are pinned to MessageBinary, and the
	// context supplies the deadline machinery instead of a hand-rolled one.
	nc := websocket.NetConn(r.Context(), conn, websocket.MessageBinary)

	l.tracker.add(nc)
	l.wg.Add(1)

	// Handle connection directly in this goroutine - DO NOT spawn a new goroutine.
	// Each HTTP request already has its own goroutine from net/http, and
	// returning from this handler before the WebSocket is done can cause
	// the connection to be prematurely closed.
	defer l.wg.Done()
	defer l.tracker.remove(nc)
	defer nc.Close()

	id := strconv.FormatInt(l.srv.sessions.Add(1), 10)
	sess := newSession(id, nc, l.srv)
	if err := sess.Handle(r.Context()); err != nil {
		l.srv.log.Debug("websocket session ended", logging.KeySessionID, id, logging.KeyError, err.Error())
	}
}
