package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Address != "127.0.0.1:1080" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:1080", cfg.Listen.Address)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.Listen.ChunkSize != 4096 {
		t.Errorf("Listen.ChunkSize = %d, want 4096", cfg.Listen.ChunkSize)
	}
	if cfg.Auth.Required {
		t.Error("Auth.Required should default to false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

listen:
  address: "0.0.0.0:1080"
  max_connections: 500

auth:
  required: true
  users:
    alice: hunter2
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Listen.Address != "0.0.0.0:1080" {
		t.Errorf("Listen.Address = %s, want 0.0.0.0:1080", cfg.Listen.Address)
	}
	if cfg.Listen.MaxConnections != 500 {
		t.Errorf("Listen.MaxConnections = %d, want 500", cfg.Listen.MaxConnections)
	}
	if cfg.Auth.Users["alice"] != "hunter2" {
		t.Errorf("Auth.Users[alice] = %s, want hunter2", cfg.Auth.Users["alice"])
	}
	// Unset fields should keep their defaults.
	if cfg.Listen.ChunkSize != 4096 {
		t.Errorf("Listen.ChunkSize = %d, want default 4096", cfg.Listen.ChunkSize)
	}
}

func TestParse_InvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: chatty\n"))
	if err == nil {
		t.Fatal("expected validation error for bad log level")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error = %v, want mention of log.level", err)
	}
}

func TestParse_AuthRequiredWithoutUsers(t *testing.T) {
	_, err := Parse([]byte("auth:\n  required: true\n"))
	if err == nil {
		t.Fatal("expected validation error for auth.required with no users")
	}
}

func TestParse_WebSocketWithoutTLSOrPlaintext(t *testing.T) {
	_, err := Parse([]byte("websocket:\n  enabled: true\n  address: \"0.0.0.0:8443\"\n"))
	if err == nil {
		t.Fatal("expected validation error for websocket without tls or plaintext")
	}
}

func TestParse_EnvVarExpansion(t *testing.T) {
	os.Setenv("SOCKS5D_TEST_ADDR", "10.0.0.1:1080")
	defer os.Unsetenv("SOCKS5D_TEST_ADDR")

	cfg, err := Parse([]byte("listen:\n  address: \"${SOCKS5D_TEST_ADDR}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != "10.0.0.1:1080" {
		t.Errorf("Listen.Address = %s, want 10.0.0.1:1080", cfg.Listen.Address)
	}
}

func TestParse_EnvVarDefault(t *testing.T) {
	cfg, err := Parse([]byte("listen:\n  address: \"${SOCKS5D_UNSET_VAR:-127.0.0.1:2080}\"\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1:2080" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:2080", cfg.Listen.Address)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "socks5d.yaml")
	if err := os.WriteFile(path, []byte("listen:\n  address: \"127.0.0.1:1081\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen.Address != "127.0.0.1:1081" {
		t.Errorf("Listen.Address = %s, want 127.0.0.1:1081", cfg.Listen.Address)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/socks5d.yaml"); err == nil {
		t.Error("expected error loading a nonexistent file")
	}
}
