package socks5

import (
	"bytes"
	"errors"
	"testing"
)

func TestStaticCredentials_Valid(t *testing.T) {
	creds := StaticCredentials{"alice": "hunter2"}

	if !creds.Valid("alice", "hunter2") {
		t.Error("expected valid credentials to pass")
	}
	if creds.Valid("alice", "wrong") {
		t.Error("expected wrong password to fail")
	}
	if creds.Valid("bob", "hunter2") {
		t.Error("expected unknown username to fail")
	}
}

func TestHashedCredentials_Valid(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	creds := HashedCredentials{"alice": hash}

	if !creds.Valid("alice", "hunter2") {
		t.Error("expected valid credentials to pass")
	}
	if creds.Valid("alice", "wrong") {
		t.Error("expected wrong password to fail")
	}
	if creds.Valid("bob", "hunter2") {
		t.Error("expected unknown username to fail")
	}
}

func TestUserPassAuthenticator_Authenticate(t *testing.T) {
	creds := StaticCredentials{"alice": "hunter2"}
	auth := NewUserPassAuthenticator(creds)

	var out bytes.Buffer
	req := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 7, 'h', 'u', 'n', 't', 'e', 'r', '2'}
	username, err := auth.Authenticate(bytes.NewReader(req), &out)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if username != "alice" {
		t.Errorf("username = %q, want alice", username)
	}
	if got := out.Bytes(); !bytes.Equal(got, []byte{0x01, AuthStatusSuccess}) {
		t.Errorf("status bytes = %v, want success", got)
	}
}

func TestUserPassAuthenticator_WrongPassword(t *testing.T) {
	creds := StaticCredentials{"alice": "hunter2"}
	auth := NewUserPassAuthenticator(creds)

	var out bytes.Buffer
	req := []byte{0x01, 5, 'a', 'l', 'i', 'c', 'e', 5, 'w', 'r', 'o', 'n', 'g'}
	_, err := auth.Authenticate(bytes.NewReader(req), &out)
	if !errors.Is(err, errAuthFailed) {
		t.Fatalf("Authenticate() error = %v, want errAuthFailed", err)
	}
	if got := out.Bytes(); !bytes.Equal(got, []byte{0x01, AuthStatusFailure}) {
		t.Errorf("status bytes = %v, want failure", got)
	}
}

func TestSelectAuthenticator(t *testing.T) {
	noAuth := NoAuthAuthenticator{}
	userPass := NewUserPassAuthenticator(StaticCredentials{})
	configured := []Authenticator{userPass, noAuth}

	got := selectAuthenticator([]byte{AuthMethodNoAuth}, configured)
	if got == nil || got.Method() != AuthMethodNoAuth {
		t.Errorf("selectAuthenticator() = %v, want no-auth", got)
	}

	got = selectAuthenticator([]byte{AuthMethodUserPass, AuthMethodNoAuth}, configured)
	if got == nil || got.Method() != AuthMethodUserPass {
		t.Errorf("selectAuthenticator() = %v, want user-pass (preference order)", got)
	}

	got = selectAuthenticator([]byte{AuthMethodGSSAPI}, configured)
	if got != nil {
		t.Errorf("selectAuthenticator() = %v, want nil", got)
	}
}

func TestCreateAuthenticators(t *testing.T) {
	auths := CreateAuthenticators(AuthConfig{
		Users:    map[string]string{"alice": "hunter2"},
		Required: true,
	})
	if len(auths) != 1 || auths[0].Method() != AuthMethodUserPass {
		t.Fatalf("CreateAuthenticators() = %v, want exactly [user-pass]", auths)
	}

	auths = CreateAuthenticators(AuthConfig{Required: false})
	if len(auths) != 1 || auths[0].Method() != AuthMethodNoAuth {
		t.Fatalf("CreateAuthenticators() = %v, want exactly [no-auth]", auths)
	}

	auths = CreateAuthenticators(AuthConfig{
		HashedUsers: map[string]string{"alice": "$2a$10$notarealhash"},
		Required:    true,
	})
	if len(auths) != 1 || auths[0].Method() != AuthMethodUserPass {
		t.Fatalf("CreateAuthenticators() with hashed users = %v, want exactly [user-pass]", auths)
	}
}
