package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.PeerListenAddr != ":5000" {
		t.Errorf("expected PeerListenAddr :5000, got %s", config.PeerListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Storage.Backend != "local" {
		t.Errorf("expected storage backend local, got %s", config.Storage.Backend)
	}
	if config.Peers.HandshakeTimeout != 15*time.Second {
		t.Errorf("expected handshake timeout 15s, got %v", config.Peers.HandshakeTimeout)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("PEER_LISTEN_ADDR", ":7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_S3_BUCKET", "received-files")
	t.Setenv("STORAGE_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("STORAGE_S3_USE_PATH_STYLE", "1")
	t.Setenv("INBOX_MAX_ITEMS", "7")
	t.Setenv("RATE_LIMIT_WINDOW", "2m")
	t.Setenv("PEERS_ALLOW", "10.*, 192.168.1.* ,")
	t.Setenv("TRACING_SAMPLING_RATIO", "0.25")
	t.Setenv("TRACING_CIPHER_STAGES", "true")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":9090" {
		t.Errorf("expected ListenAddr :9090, got %s", config.ListenAddr)
	}
	if config.PeerListenAddr != ":7000" {
		t.Errorf("expected PeerListenAddr :7000, got %s", config.PeerListenAddr)
	}
	if config.LogLevel != "debug" {
		t.Errorf("expected LogLevel debug, got %s", config.LogLevel)
	}
	if config.Storage.Backend != "s3" || config.Storage.S3.Bucket != "received-files" {
		t.Errorf("unexpected storage config: %+v", config.Storage)
	}
	if !config.Storage.S3.UsePathStyle {
		t.Error("expected path style addressing")
	}
	if config.Inbox.MaxItems != 7 {
		t.Errorf("expected inbox max items 7, got %d", config.Inbox.MaxItems)
	}
	if config.RateLimit.Window != 2*time.Minute {
		t.Errorf("expected rate limit window 2m, got %v", config.RateLimit.Window)
	}
	if len(config.Peers.Allow) != 2 || config.Peers.Allow[1] != "192.168.1.*" {
		t.Errorf("unexpected peers.allow: %v", config.Peers.Allow)
	}
	if config.Tracing.SamplingRatio != 0.25 || !config.Tracing.CipherStages {
		t.Errorf("unexpected tracing config: %+v", config.Tracing)
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
listen_addr: ":8181"
log_level: warn
identity:
  dir: /var/lib/cipherchat
  passphrase_file: ` + filepath.Join(dir, "pass") + `
storage:
  backend: local
  local:
    dir: /srv/received
history:
  enabled: true
  path: /var/lib/cipherchat/history.db
logging:
  access_log_format: json
peers:
  allow: ["10.*"]
  handshake_timeout: 5s
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pass"), []byte("correct horse\n"), 0600); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8181" || config.LogLevel != "warn" {
		t.Errorf("unexpected top level: %s %s", config.ListenAddr, config.LogLevel)
	}
	if config.Identity.Passphrase != "correct horse" {
		t.Errorf("expected passphrase from file, got %q", config.Identity.Passphrase)
	}
	if config.Storage.Local.Dir != "/srv/received" {
		t.Errorf("expected local dir /srv/received, got %s", config.Storage.Local.Dir)
	}
	if !config.History.Enabled {
		t.Error("expected history enabled")
	}
	if config.Logging.AccessLogFormat != "json" {
		t.Errorf("expected json access logs, got %s", config.Logging.AccessLogFormat)
	}
	if config.Peers.HandshakeTimeout != 5*time.Second {
		t.Errorf("expected handshake timeout 5s, got %v", config.Peers.HandshakeTimeout)
	}
	// Defaults survive for unset sections.
	if config.Server.MaxHeaderBytes != 1<<20 {
		t.Errorf("expected default max header bytes, got %d", config.Server.MaxHeaderBytes)
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [oops\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "missing listen addr", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
		{name: "identity dir without passphrase", mutate: func(c *Config) { c.Identity.Dir = "/tmp/id" }, wantErr: true},
		{name: "identity dir with passphrase", mutate: func(c *Config) {
			c.Identity.Dir = "/tmp/id"
			c.Identity.Passphrase = "secret"
		}},
		{name: "storage none", mutate: func(c *Config) { c.Storage.Backend = "none" }},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, wantErr: true},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Local.Dir = "" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "s3 half credentials", mutate: func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.AccessKey = "ak"
		}, wantErr: true},
		{name: "tls without cert", mutate: func(c *Config) { c.TLS.Enabled = true }, wantErr: true},
		{name: "tracing jaeger without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "tracing bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "zipkin"
		}, wantErr: true},
		{name: "bad access log format", mutate: func(c *Config) { c.Logging.AccessLogFormat = "xml" }, wantErr: true},
		{name: "rate limit zero window", mutate: func(c *Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Window = 0
		}, wantErr: true},
		{name: "history without path", mutate: func(c *Config) {
			c.History.Enabled = true
			c.History.Path = ""
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
