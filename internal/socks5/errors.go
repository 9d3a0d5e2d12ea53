package socks5

import "errors"

// Sentinel errors for the session state machine. Each terminates the
// session that produced it; none of them escape to another session or to
// the listener.
var (
	errMalformed           = errors.New("malformed frame")
	errNoAcceptableMethod  = errors.New("no acceptable authentication method")
	errAuthFailed          = errors.New("authentication failed")
	errUnsupportedCommand  = errors.New("unsupported command")
	errUnsupportedAddrType = errors.New("unsupported address type")
	errFragmented          = errors.New("fragmented datagrams not supported")
)
