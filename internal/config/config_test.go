package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket.BufferCapacity != 100 {
		t.Fatalf("buffer capacity = %d, want 100", cfg.Socket.BufferCapacity)
	}
	if cfg.Bridge.BindAddr != "127.0.0.1:8741" {
		t.Fatalf("bind addr = %q", cfg.Bridge.BindAddr)
	}
	if !cfg.Bridge.Enabled {
		t.Fatal("bridge should default to enabled")
	}
	if cfg.DBPath != filepath.Join(home, "sockdock.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.DialTimeout() != 10*time.Second {
		t.Fatalf("dial timeout = %v", cfg.DialTimeout())
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	home := t.TempDir()
	doc := `
log_level: debug
socket:
  buffer_capacity: 250
  auto_send_delay_ms: 50
bridge:
  enabled: false
  bind_addr: "127.0.0.1:9999"
`
	if err := os.WriteFile(Path(home), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Socket.BufferCapacity != 250 {
		t.Fatalf("buffer capacity = %d, want 250", cfg.Socket.BufferCapacity)
	}
	if cfg.AutoSendDelay() != 50*time.Millisecond {
		t.Fatalf("auto send delay = %v", cfg.AutoSendDelay())
	}
	if cfg.Bridge.Enabled {
		t.Fatal("bridge should be disabled")
	}
	if cfg.Bridge.BindAddr != "127.0.0.1:9999" {
		t.Fatalf("bind addr = %q", cfg.Bridge.BindAddr)
	}
}

func TestLoad_BoundsRepairInvalidValues(t *testing.T) {
	home := t.TempDir()
	doc := `
socket:
  buffer_capacity: -5
  dial_timeout_seconds: 0
bridge:
  connect_timeout_seconds: -1
`
	if err := os.WriteFile(Path(home), []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Socket.BufferCapacity != 100 {
		t.Fatalf("buffer capacity = %d, want repaired 100", cfg.Socket.BufferCapacity)
	}
	if cfg.Socket.DialTimeoutSeconds != 10 {
		t.Fatalf("dial timeout = %d, want repaired 10", cfg.Socket.DialTimeoutSeconds)
	}
	if cfg.Bridge.ConnectTimeoutSeconds != 10 {
		t.Fatalf("connect timeout = %d, want repaired 10", cfg.Bridge.ConnectTimeoutSeconds)
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(Path(home), []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}
