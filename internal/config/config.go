package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultChunkSize = 4 * 1024 * 1024
	maxChunkSize     = 5 * 1024 * 1024
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string                 `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string                 `yaml:"log_level" env:"LOG_LEVEL"`
	PublicURL  string                 `yaml:"public_url" env:"PUBLIC_URL"` // Base URL used when building share links
	Encryption EncryptionConfig       `yaml:"encryption"`
	Auth       AuthConfig             `yaml:"auth"`
	Database   DatabaseConfig         `yaml:"database"`
	Backends   []BackendAccountConfig `yaml:"backends"`
	Engine     EngineConfig           `yaml:"engine"`
	Cache      CacheConfig            `yaml:"cache"`
	Audit      AuditConfig            `yaml:"audit"`
	TLS        TLSConfig              `yaml:"tls"`
	Server     ServerConfig           `yaml:"server"`
	RateLimit  RateLimitConfig        `yaml:"rate_limit"`
	Tracing    TracingConfig          `yaml:"tracing"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// EncryptionConfig holds the server secret and chunking parameters.
type EncryptionConfig struct {
	Secret     string `yaml:"secret" env:"ENCRYPTION_SECRET"`
	SecretFile string `yaml:"secret_file" env:"ENCRYPTION_SECRET_FILE"`
	ChunkSize  int    `yaml:"chunk_size" env:"ENCRYPTION_CHUNK_SIZE"` // Plaintext bytes per chunk
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer    string        `yaml:"issuer" env:"AUTH_ISSUER"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"AUTH_TOKEN_TTL"` // Lifetime of tokens minted by vaultctl
}

// DatabaseConfig selects and configures the metadata store.
type DatabaseConfig struct {
	Driver       string `yaml:"driver" env:"DATABASE_DRIVER"` // postgres or bolt
	DSN          string `yaml:"dsn" env:"DATABASE_DSN"`
	BoltPath     string `yaml:"bolt_path" env:"DATABASE_BOLT_PATH"`
	AutoMigrate  bool   `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
}

// BackendAccountConfig seeds one storage backend account.
type BackendAccountConfig struct {
	ID           string `yaml:"id"`
	Label        string `yaml:"label"`
	DriveNumber  int    `yaml:"drive_number"`
	Provider     string `yaml:"provider"` // s3-compatible provider name or "memory"
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	StorageLimit int64  `yaml:"storage_limit"`
	Quarantine   bool   `yaml:"quarantine"`
	Disabled     bool   `yaml:"disabled"`
}

// EngineConfig tunes the upload and download orchestrators.
type EngineConfig struct {
	Concurrency      int           `yaml:"concurrency" env:"ENGINE_CONCURRENCY"`       // Chunk fetches in flight during download
	StoreAttempts    int           `yaml:"store_attempts" env:"ENGINE_STORE_ATTEMPTS"` // Attempts per chunk store
	StaleUploadGrace time.Duration `yaml:"stale_upload_grace" env:"ENGINE_STALE_UPLOAD_GRACE"`
}

// TLSConfig holds TLS configuration.
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
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds the encrypted chunk cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`   // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"` // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
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
}

// LoggingConfig holds access log configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

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

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		PublicURL:  "http://localhost:8080",
		Encryption: EncryptionConfig{
			ChunkSize: defaultChunkSize,
		},
		Auth: AuthConfig{
			Issuer:   "chunkvault",
			TokenTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver:       "bolt",
			BoltPath:     "chunkvault.db",
			AutoMigrate:  true,
			MaxOpenConns: 10,
		},
		Engine: EngineConfig{
			Concurrency:      4,
			StoreAttempts:    2,
			StaleUploadGrace: 24 * time.Hour,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      5 * time.Minute, // downloads stream many chunks
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    256 * 1024 * 1024,
			MaxItems:   128,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "chunkvault",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie"},
		},
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		config.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		config.PublicURL = v
	}
	if v := os.Getenv("ENCRYPTION_SECRET"); v != "" {
		config.Encryption.Secret = v
	}
	if v := os.Getenv("ENCRYPTION_SECRET_FILE"); v != "" {
		config.Encryption.SecretFile = v
	}
	if v := os.Getenv("ENCRYPTION_CHUNK_SIZE"); v != "" {
		var size int
		if _, err := fmt.Sscanf(v, "%d", &size); err == nil && size > 0 {
			config.Encryption.ChunkSize = size
		}
	}
	if v := os.Getenv("AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_ISSUER"); v != "" {
		config.Auth.Issuer = v
	}
	if v := os.Getenv("AUTH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Auth.TokenTTL = d
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		config.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_BOLT_PATH"); v != "" {
		config.Database.BoltPath = v
	}
	if v := os.Getenv("DATABASE_AUTO_MIGRATE"); v != "" {
		config.Database.AutoMigrate = v == "true" || v == "1"
	}
	if v := os.Getenv("DATABASE_MAX_OPEN_CONNS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Database.MaxOpenConns = n
		}
	}
	if v := os.Getenv("ENGINE_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Engine.Concurrency = n
		}
	}
	if v := os.Getenv("ENGINE_STORE_ATTEMPTS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			config.Engine.StoreAttempts = n
		}
	}
	if v := os.Getenv("ENGINE_STALE_UPLOAD_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Engine.StaleUploadGrace = d
		}
	}
	if v := os.Getenv("TLS_ENABLED"); v != "" {
		config.TLS.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		config.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		config.TLS.KeyFile = v
	}
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
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		config.RateLimit.Enabled = v == "true" || v == "1"
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
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		config.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		var maxSize int64
		if _, err := fmt.Sscanf(v, "%d", &maxSize); err == nil && maxSize > 0 {
			config.Cache.MaxSize = maxSize
		}
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		var maxItems int
		if _, err := fmt.Sscanf(v, "%d", &maxItems); err == nil && maxItems > 0 {
			config.Cache.MaxItems = maxItems
		}
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		var maxEvents int
		if _, err := fmt.Sscanf(v, "%d", &maxEvents); err == nil && maxEvents > 0 {
			config.Audit.MaxEvents = maxEvents
		}
	}
	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		config.Tracing.Enabled = v == "true" || v == "1"
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
		config.Tracing.RedactSensitive = v == "true" || v == "1"
	}
	if v := os.Getenv("LOGGING_ACCESS_LOG_FORMAT"); v != "" {
		config.Logging.AccessLogFormat = v
	}
	if v := os.Getenv("LOGGING_REDACT_HEADERS"); v != "" {
		headers := strings.Split(v, ",")
		for i := range headers {
			headers[i] = strings.TrimSpace(headers[i])
		}
		config.Logging.RedactHeaders = headers
	}
}

// ResolveSecret returns the server secret, reading encryption.secret_file
// when no inline secret is configured.
func (c *Config) ResolveSecret() (string, error) {
	if c.Encryption.Secret != "" {
		return c.Encryption.Secret, nil
	}
	if c.Encryption.SecretFile == "" {
		return "", fmt.Errorf("no encryption secret configured")
	}
	data, err := os.ReadFile(c.Encryption.SecretFile)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", c.Encryption.SecretFile)
	}
	return secret, nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.Encryption.Secret == "" && c.Encryption.SecretFile == "" {
		return fmt.Errorf("either encryption.secret or encryption.secret_file is required")
	}
	if c.Encryption.ChunkSize < 0 || c.Encryption.ChunkSize > maxChunkSize {
		return fmt.Errorf("encryption.chunk_size must be between 0 (default) and %d bytes", maxChunkSize)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
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

	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when driver is postgres")
		}
	case "bolt":
		if c.Database.BoltPath == "" {
			return fmt.Errorf("database.bolt_path is required when driver is bolt")
		}
	default:
		return fmt.Errorf("invalid database.driver: %s (must be postgres or bolt)", c.Database.Driver)
	}

	if err := validateBackends(c.Backends); err != nil {
		return err
	}

	if c.Engine.Concurrency < 0 {
		return fmt.Errorf("engine.concurrency must not be negative")
	}
	if c.Engine.StoreAttempts < 0 {
		return fmt.Errorf("engine.store_attempts must not be negative")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
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

	return nil
}

func validateBackends(backends []BackendAccountConfig) error {
	seenLabels := make(map[string]bool, len(backends))
	quarantine := 0
	for i, b := range backends {
		if b.Label == "" {
			return fmt.Errorf("backends[%d].label is required", i)
		}
		if seenLabels[b.Label] {
			return fmt.Errorf("backends[%d]: duplicate label %q", i, b.Label)
		}
		seenLabels[b.Label] = true
		if b.Provider == "" {
			return fmt.Errorf("backends[%d].provider is required", i)
		}
		if b.Provider != "memory" {
			if b.Bucket == "" {
				return fmt.Errorf("backends[%d].bucket is required for provider %s", i, b.Provider)
			}
			if b.AccessKey == "" || b.SecretKey == "" {
				return fmt.Errorf("backends[%d]: access_key and secret_key are required for provider %s", i, b.Provider)
			}
		}
		if b.StorageLimit < 0 {
			return fmt.Errorf("backends[%d].storage_limit must not be negative", i)
		}
		if b.Quarantine && !b.Disabled {
			quarantine++
		}
	}
	if quarantine > 1 {
		return fmt.Errorf("at most one active quarantine backend may be configured, found %d", quarantine)
	}
	return nil
}
