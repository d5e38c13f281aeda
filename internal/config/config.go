package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete node configuration.
type Config struct {
	ListenAddr     string          `yaml:"listen_addr" env:"LISTEN_ADDR"`           // HTTP control API
	PeerListenAddr string          `yaml:"peer_listen_addr" env:"PEER_LISTEN_ADDR"` // TCP peer sessions; empty disables
	LogLevel       string          `yaml:"log_level" env:"LOG_LEVEL"`
	Identity       IdentityConfig  `yaml:"identity"`
	Storage        StorageConfig   `yaml:"storage"`
	Inbox          CacheConfig     `yaml:"inbox"`
	Audit          AuditConfig     `yaml:"audit"`
	History        HistoryConfig   `yaml:"history"`
	TLS            TLSConfig       `yaml:"tls"`
	Server         ServerConfig    `yaml:"server"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Tracing        TracingConfig   `yaml:"tracing"`
	Logging        LoggingConfig   `yaml:"logging"`
	Peers          PeersConfig     `yaml:"peers"`
}

// IdentityConfig locates the node's RSA identity.
type IdentityConfig struct {
	Dir            string `yaml:"dir" env:"IDENTITY_DIR"` // empty: ephemeral identity per process
	Passphrase     string `yaml:"passphrase" env:"IDENTITY_PASSPHRASE"`
	PassphraseFile string `yaml:"passphrase_file" env:"IDENTITY_PASSPHRASE_FILE"`
}

// StorageConfig selects where verified received files are persisted.
type StorageConfig struct {
	Backend string             `yaml:"backend" env:"STORAGE_BACKEND"` // none, local, s3
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3StorageConfig    `yaml:"s3"`
}

// LocalStorageConfig holds directory storage settings.
type LocalStorageConfig struct {
	Dir string `yaml:"dir" env:"STORAGE_LOCAL_DIR"`
}

// S3StorageConfig holds S3-compatible bucket settings.
type S3StorageConfig struct {
	Endpoint     string `yaml:"endpoint" env:"STORAGE_S3_ENDPOINT"` // empty for AWS
	Region       string `yaml:"region" env:"STORAGE_S3_REGION"`
	Bucket       string `yaml:"bucket" env:"STORAGE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_S3_USE_PATH_STYLE"`
}

// TLSConfig holds TLS configuration for the HTTP API.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds the received-file inbox configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"INBOX_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"INBOX_MAX_SIZE"`   // bytes
	MaxItems   int           `yaml:"max_items" env:"INBOX_MAX_ITEMS"` // files
	DefaultTTL time.Duration `yaml:"default_ttl" env:"INBOX_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool   `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int    `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // in-memory ring size
	Path      string `yaml:"path" env:"AUDIT_PATH"`             // JSON lines file; empty writes to stdout
}

// HistoryConfig holds the transfer history database configuration.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"HISTORY_ENABLED"`
	Path    string `yaml:"path" env:"HISTORY_PATH"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
	CipherStages    bool    `yaml:"cipher_stages" env:"TRACING_CIPHER_STAGES"` // attach per-round cipher events
}

// LoggingConfig holds HTTP access logging configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// PeersConfig holds peer session configuration.
type PeersConfig struct {
	Allow            []string      `yaml:"allow" env:"PEERS_ALLOW"` // host globs; empty admits all
	PolicyFiles      []string      `yaml:"policy_files" env:"PEERS_POLICY_FILES"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"PEERS_HANDSHAKE_TIMEOUT"`
	DialTimeout      time.Duration `yaml:"dial_timeout" env:"PEERS_DIAL_TIMEOUT"`
}

// Default returns the configuration used before the file and environment are applied.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		PeerListenAddr: ":5000",
		LogLevel:       "info",
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalStorageConfig{Dir: "received"},
			S3:      S3StorageConfig{Region: "us-east-1"},
		},
		Inbox: CacheConfig{
			Enabled:    true,
			MaxSize:    200 * 1024 * 1024,
			MaxItems:   100,
			DefaultTTL: 30 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "history.db",
		},
		Server: ServerConfig{
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      150 * 1024 * 1024, // a 100 MiB file framed as base64 ciphertext
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "cipherchat",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
		},
		Peers: PeersConfig{
			HandshakeTimeout: 15 * time.Second,
			DialTimeout:      10 * time.Second,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if config.Identity.Passphrase == "" && config.Identity.PassphraseFile != "" {
		data, err := os.ReadFile(config.Identity.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read identity passphrase file: %w", err)
		}
		config.Identity.Passphrase = strings.TrimSpace(string(data))
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envBool(v string) bool {
	return v == "true" || v == "1"
}

func envList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("PEER_LISTEN_ADDR"); v != "" {
		config.PeerListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}

	// Identity
	if v := os.Getenv("IDENTITY_DIR"); v != "" {
		config.Identity.Dir = v
	}
	if v := os.Getenv("IDENTITY_PASSPHRASE"); v != "" {
		config.Identity.Passphrase = v
	}
	if v := os.Getenv("IDENTITY_PASSPHRASE_FILE"); v != "" {
		config.Identity.PassphraseFile = v
	}

	// Storage
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		config.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_LOCAL_DIR"); v != "" {
		config.Storage.Local.Dir = v
	}
	if v := os.Getenv("STORAGE_S3_ENDPOINT"); v != "" {
		config.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("STORAGE_S3_REGION"); v != "" {
		config.Storage.S3.Region = v
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = v
	}
	if v := os.Getenv("STORAGE_S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = v
	}
	if v := os.Getenv("STORAGE_S3_ACCESS_KEY"); v != "" {
		config.Storage.S3.AccessKey = v
	}
	if v := os.Getenv("STORAGE_S3_SECRET_KEY"); v != "" {
		config.Storage.S3.SecretKey = v
	}
	if v := os.Getenv("STORAGE_S3_USE_PATH_STYLE"); v != "" {
		config.Storage.S3.UsePathStyle = envBool(v)
	}

	// Inbox
	if v := os.Getenv("INBOX_ENABLED"); v != "" {
		config.Inbox.Enabled = envBool(v)
	}
	if v := os.Getenv("INBOX_MAX_SIZE"); v != "" {
		var maxSize int64
		if _, err := fmt.Sscanf(v, "%d", &maxSize); err == nil && maxSize > 0 {
			config.Inbox.MaxSize = maxSize
		}
	}
	if v := os.Getenv("INBOX_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Inbox.MaxItems = maxItems
		}
	}
	if v := os.Getenv("INBOX_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Inbox.DefaultTTL = d
		}
	}

	// Audit
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = envBool(v)
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("AUDIT_PATH"); v != "" {
		config.Audit.Path = v
	}

	// History
	if v := os.Getenv("HISTORY_ENABLED"); v != "" {
		config.History.Enabled = envBool(v)
	}
	if v := os.Getenv("HISTORY_PATH"); v != "" {
		config.History.Path = v
	}

	// TLS
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = envBool(v)
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}

	// Server
	if v := os.Getenv("SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.WriteTimeout = d
		}
	}
	if v := os.Getenv("SERVER_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.IdleTimeout = d
		}
	}
	if v := os.Getenv("SERVER_READ_HEADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Server.ReadHeaderTimeout = d
		}
	}
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		var maxBytes int
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxHeaderBytes = maxBytes
		}
	}
	if v := os.Getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		var maxBytes int64
		if _, err := fmt.Sscanf(v, "%d", &maxBytes); err == nil && maxBytes > 0 {
			config.Server.MaxBodyBytes = maxBytes
		}
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = envBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		var limit int
		if _, err := fmt.Sscanf(v, "%d", &limit); err == nil && limit > 0 {
			config.RateLimit.Limit = limit
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.RateLimit.Window = d
		}
	}

	// Tracing
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = envBool(v)
	}
	if v := os.Getenv("TRACING_SERVICE_NAME"); v != "" {
		config.Tracing.ServiceName = v
	}
	if v := os.Getenv("TRACING_SERVICE_VERSION"); v != "" {
		config.Tracing.ServiceVersion = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		config.Tracing.Exporter = v
	}
	if v := os.Getenv("TRACING_JAEGER_ENDPOINT"); v != "" {
		config.Tracing.JaegerEndpoint = v
	}
	if v := os.Getenv("TRACING_OTLP_ENDPOINT"); v != "" {
		config.Tracing.OtlpEndpoint = v
	}
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	if v := os.Getenv("TRACING_REDACT_SENSITIVE"); v != "" {
		config.Tracing.RedactSensitive = envBool(v)
	}
	if v := os.Getenv("TRACING_CIPHER_STAGES"); v != "" {
		config.Tracing.CipherStages = envBool(v)
	}

	// Logging
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		config.Logging.RedactHeaders = envList(v)
	}

	// Peers
	if v := os.Getenv("PEERS_ALLOW"); v != "" {
		config.Peers.Allow = envList(v)
	}
	if v := os.Getenv("PEERS_POLICY_FILES"); v != "" {
		config.Peers.PolicyFiles = envList(v)
	}
	if v := os.Getenv("PEERS_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Peers.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("PEERS_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Peers.DialTimeout = d
		}
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	if c.Identity.Dir != "" && c.Identity.Passphrase == "" {
		return fmt.Errorf("identity.passphrase (or identity.passphrase_file) is required when identity.dir is set")
	}

	switch c.Storage.Backend {
	case "", "none":
	case "local":
		if c.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required when storage.backend is local")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when storage.backend is s3")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be none, local, or s3)", c.Storage.Backend)
	}

	if c.Inbox.Enabled && (c.Inbox.MaxItems <= 0 || c.Inbox.MaxSize <= 0) {
		return fmt.Errorf("inbox.max_items and inbox.max_size must be positive when the inbox is enabled")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Peers.HandshakeTimeout < 0 || c.Peers.DialTimeout < 0 {
		return fmt.Errorf("peers timeouts must not be negative")
	}

	return nil
}
