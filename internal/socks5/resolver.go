package socks5

import (
	"context"
	"net"

	"golang.org/x/net/idna"
)

// Resolver maps a DOMAIN request's destination name to an IP literal.
// Injected into Server so tests (and operators who want split-horizon DNS
// or a custom hosts file) never depend on the real resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// netResolver resolves via the standard library resolver, normalizing
// internationalized domain names to ASCII first (golang.org/x/net/idna) so a
// client sending a DOMAIN request in Unicode still resolves correctly.
type netResolver struct {
	resolver *net.Resolver
}

// NewResolver returns the default Resolver: a blocking A-record lookup via
// net.DefaultResolver.
func NewResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

func (r *netResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		// Not a valid IDN; fall back to the raw host so plain ASCII names
		// (the overwhelming common case) are unaffected by a strict profile
		// rejecting, say, a trailing dot.
		ascii = host
	}

	ips, err := r.resolver.LookupIP(ctx, "ip4", ascii)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no A records", Name: host, IsNotFound: true}
	}
	return ips[0], nil
}

// resolveAddress resolves a DOMAIN request to an IPv4 literal; IPv4/IPv6
// literals pass through unchanged.
func resolveAddress(ctx context.Context, resolver Resolver, req *request) (net.IP, error) {
	if req.IP != nil {
		return req.IP, nil
	}
	return resolver.Resolve(ctx, req.Host)
}
