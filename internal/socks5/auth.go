// Package socks5 implements the SOCKS5 proxy protocol engine: method
// negotiation, RFC 1929 sub-negotiation, request/reply framing, and the
// CONNECT/UDP ASSOCIATE relays.
package socks5

import (
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator performs one SOCKS5 authentication method's sub-negotiation
// and reports the authenticated username (empty for NO_AUTH).
type Authenticator interface {
	Authenticate(r io.Reader, w io.Writer) (username string, err error)
	Method() byte
}

// NoAuthAuthenticator implements AuthMethodNoAuth: every client is accepted
// without a sub-negotiation. Offering it is a policy choice, included so
// operators can opt in via AuthConfig.Required = false.
type NoAuthAuthenticator struct{}

func (NoAuthAuthenticator) Authenticate(io.Reader, io.Writer) (string, error) { return "", nil }
func (NoAuthAuthenticator) Method() byte                                     { return AuthMethodNoAuth }

// CredentialStore validates a username/password pair submitted during RFC
// 1929 sub-negotiation.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials is a plaintext credential store compared by
// byte-equality. Comparison is constant-time so a network observer timing
// failed attempts can't use response latency to narrow down the password
// character by character.
type StaticCredentials map[string]string

func (s StaticCredentials) Valid(username, password string) bool {
	want, ok := s[username]
	if !ok {
		// Still pay a comparison of matching cost, so a nonexistent username
		// doesn't return measurably faster than a wrong password.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// dummyHash is compared against when the username is unknown, so the bcrypt
// cost is paid on every attempt regardless of whether the username exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashedCredentials stores username -> bcrypt hash. Preferred over
// StaticCredentials whenever the credential pair lives in a config file on
// disk, so the plaintext password is never persisted.
type HashedCredentials map[string]string

func (h HashedCredentials) Valid(username, password string) bool {
	hash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword bcrypt-hashes a password for storage in a HashedCredentials
// config entry.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UserPassAuthenticator implements AuthMethodUserPass (RFC 1929).
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

func NewUserPassAuthenticator(store CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: store}
}

func (a *UserPassAuthenticator) Method() byte { return AuthMethodUserPass }

// Authenticate reads the sub-negotiation frame, checks the credential store,
// and writes the status byte. On failure the caller MUST close the
// connection; Authenticate does not do so itself so the session controller
// can log the outcome uniformly with every other failure path.
func (a *UserPassAuthenticator) Authenticate(r io.Reader, w io.Writer) (string, error) {
	req, err := readUserPassRequest(r)
	if err != nil {
		return "", err
	}

	if !a.Credentials.Valid(req.User, req.Pass) {
		writeAuthStatus(w, false)
		return "", fmt.Errorf("%w: user %q", errAuthFailed, req.User)
	}

	if err := writeAuthStatus(w, true); err != nil {
		return "", err
	}
	return req.User, nil
}

// AuthConfig drives CreateAuthenticators. Required=true offers only
// USER_PASS; setting it false additionally offers NO_AUTH.
type AuthConfig struct {
	Users       map[string]string // username -> plaintext password
	HashedUsers map[string]string // username -> bcrypt hash, takes precedence
	Required    bool
}

// CreateAuthenticators builds the authenticator list a Server negotiates
// against, in preference order.
func CreateAuthenticators(cfg AuthConfig) []Authenticator {
	var auths []Authenticator

	switch {
	case len(cfg.HashedUsers) > 0:
		auths = append(auths, NewUserPassAuthenticator(HashedCredentials(cfg.HashedUsers)))
	case len(cfg.Users) > 0:
		auths = append(auths, NewUserPassAuthenticator(StaticCredentials(cfg.Users)))
	}

	if !cfg.Required {
		auths = append(auths, NoAuthAuthenticator{})
	}

	return auths
}

// selectAuthenticator picks the first configured authenticator (in the
// server's preference order) whose method byte appears in the client's
// offered method list.
func selectAuthenticator(offered []byte, configured []Authenticator) Authenticator {
	for _, a := range configured {
		for _, m := range offered {
			if m == a.Method() {
				return a
			}
		}
	}
	return nil
}
