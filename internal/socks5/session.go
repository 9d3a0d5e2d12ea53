package socks5

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/relaywire/socks5d/internal/logging"
)

// sessionState is the per-connection protocol state machine.
type sessionState int32

const (
	stateGreeting sessionState = iota
	stateMethodSent
	stateAuthenticating
	stateAuthenticated
	stateRequest
	stateRelayingTCP
	stateRelayingUDP
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateGreeting:
		return "GREETING"
	case stateMethodSent:
		return "METHOD_SENT"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateRequest:
		return "REQUEST"
	case stateRelayingTCP:
		return "RELAYING_TCP"
	case stateRelayingUDP:
		return "RELAYING_UDP"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is one accepted client connection, walking GREETING through CLOSED.
// It owns conn (and, transitively, whatever upstream or UDP relay socket it
// opens) exclusively; no session state is shared with any other session.
type Session struct {
	id      string
	conn    net.Conn
	srv     *Server
	log     *slog.Logger
	metrics *Metrics
	state   atomic.Int32
}

func newSession(id string, conn net.Conn, srv *Server) *Session {
	s := &Session{
		id:      id,
		conn:    conn,
		srv:     srv,
		metrics: srv.metrics,
	}
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.log = srv.log.With(logging.KeySessionID, id, logging.KeyRemoteAddr, remote)
	return s
}

func (s *Session) setState(st sessionState) {
	s.state.Store(int32(st))
}

// State reports the session's current place in the state machine.
func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// Handle drives the session from GREETING to CLOSED. It returns the reason
// the session ended; a nil error means a relay ran to completion (the
// client or upstream closed cleanly), not that nothing went wrong upstream
// of that point.
func (s *Session) Handle(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
		s.metrics.SessionsTotal.Inc()
		defer s.metrics.SessionsActive.Dec()
	}
	defer s.setState(stateClosed)

	username, err := s.negotiateAuth()
	if err != nil {
		s.log.Info("session closed during authentication", logging.KeyError, err.Error())
		return err
	}
	s.setState(stateAuthenticated)
	if username != "" {
		s.log = s.log.With(logging.KeyUsername, username)
	}

	s.setState(stateRequest)
	req, err := readRequest(s.conn)
	if err != nil {
		if errors.Is(err, errUnsupportedAddrType) {
			writeReply(s.conn, ReplyAddrNotSupported, nil, 0)
		}
		s.log.Info("session closed reading request", logging.KeyError, err.Error())
		return fmt.Errorf("read request: %w", err)
	}
	s.log = s.log.With(logging.KeyCommand, req.Command, logging.KeyAddrType, req.AddrType)

	switch req.Command {
	case CmdConnect:
		ip, err := resolveAddress(ctx, s.srv.resolver, req)
		if err != nil {
			writeReply(s.conn, ReplyHostUnreachable, nil, 0)
			return fmt.Errorf("resolve %s: %w", req.Host, err)
		}
		err = s.handleConnect(ctx, req, ip)
		if err != nil {
			s.log.Info("connect relay ended", logging.KeyError, err.Error())
		}
		return err

	case CmdUDPAssociate:
		err := s.handleUDPAssociate(ctx, req)
		if err != nil {
			s.log.Info("udp associate ended", logging.KeyError, err.Error())
		}
		return err

	default:
		writeReply(s.conn, ReplyCmdNotSupported, nil, 0)
		return fmt.Errorf("%w: command %d", errUnsupportedCommand, req.Command)
	}
}

// negotiateAuth drives the GREETING -> AUTHENTICATED transition: read the
// greeting, pick a method, run its sub-negotiation.
func (s *Session) negotiateAuth() (username string, err error) {
	g, err := readGreeting(s.conn)
	if err != nil {
		return "", fmt.Errorf("read greeting: %w", err)
	}

	auth := selectAuthenticator(g.Methods, s.srv.authenticators)
	if auth == nil {
		writeMethodSelection(s.conn, AuthMethodNoAcceptable)
		return "", errNoAcceptableMethod
	}
	s.setState(stateMethodSent)

	if err := writeMethodSelection(s.conn, auth.Method()); err != nil {
		return "", fmt.Errorf("write method selection: %w", err)
	}

	s.setState(stateAuthenticating)
	username, err = auth.Authenticate(s.conn, s.conn)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthFailures.Inc()
		}
		return "", err
	}
	return username, nil
}
