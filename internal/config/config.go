package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Auth          AuthConfig          `yaml:"auth"`
	Party         PartyConfig         `yaml:"party"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Push          PushConfig          `yaml:"push"`
	Registration  RegistrationConfig  `yaml:"registration"`
	Peer          PeerConfig          `yaml:"peer"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Environment   string              `yaml:"environment"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	BaseURL         string        `yaml:"base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the postgres store. An empty URL runs the hub on
// the in-memory registry with periodic jobs on an in-process ticker.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`
	JWTIssuer string        `yaml:"jwt_issuer"`
}

// PartyConfig is our own identity as presented to peers.
type PartyConfig struct {
	CountryCode  string `yaml:"country_code"`
	PartyID      string `yaml:"party_id"`
	Name         string `yaml:"name"`
	Website      string `yaml:"website"`
	RequireHTTPS bool   `yaml:"require_https"`
}

type AuthorizationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Deadline     time.Duration `yaml:"deadline"`
	StopCacheTTL time.Duration `yaml:"stop_cache_ttl"`
}

type PushConfig struct {
	LockWait         time.Duration `yaml:"lock_wait"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	FlushConcurrency int           `yaml:"flush_concurrency"`
}

type RegistrationConfig struct {
	LockWait      time.Duration `yaml:"lock_wait"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// PeerConfig tunes the HTTP client used to call peers.
type PeerConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// RateLimitConfig caps inbound requests per client per minute. Zero disables
// a tier.
type RateLimitConfig struct {
	ProtocolPerMinute int      `yaml:"protocol_per_minute"`
	AdminPerMinute    int      `yaml:"admin_per_minute"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
}

// Defaults returns the configuration used before the file and environment
// are applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			BaseURL:         "http://localhost:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{MaxConnections: 25},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "roaming-hub",
			SampleRate:  1.0,
		},
		Auth: AuthConfig{
			JWTExpiry: 24 * time.Hour,
			JWTIssuer: "roaming-hub",
		},
		Authorization: AuthorizationConfig{
			Enabled:      true,
			Deadline:     5 * time.Second,
			StopCacheTTL: 24 * time.Hour,
		},
		Push: PushConfig{
			LockWait:         5 * time.Second,
			FlushInterval:    30 * time.Second,
			MaxAttempts:      5,
			FlushConcurrency: 4,
		},
		Registration: RegistrationConfig{
			LockWait:      10 * time.Second,
			RetryInterval: 5 * time.Minute,
		},
		Peer: PeerConfig{
			Timeout:           10 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 10,
		},
		RateLimit: RateLimitConfig{
			ProtocolPerMinute: 600,
			AdminPerMinute:    120,
		},
		Environment: "development",
	}
}

// Load builds the configuration from the environment alone.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile overlays the YAML file at path (if any) on the defaults, then
// applies environment variables, which always win.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.BaseURL = getEnv("SERVER_BASE_URL", cfg.Server.BaseURL)
	cfg.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	if hours := getEnvInt("JWT_EXPIRY_HOURS", 0); hours > 0 {
		cfg.Auth.JWTExpiry = time.Duration(hours) * time.Hour
	}
	cfg.Auth.JWTIssuer = getEnv("JWT_ISSUER", cfg.Auth.JWTIssuer)

	cfg.Party.CountryCode = strings.ToUpper(getEnv("PARTY_COUNTRY_CODE", cfg.Party.CountryCode))
	cfg.Party.PartyID = strings.ToUpper(getEnv("PARTY_ID", cfg.Party.PartyID))
	cfg.Party.Name = getEnv("PARTY_NAME", cfg.Party.Name)
	cfg.Party.Website = getEnv("PARTY_WEBSITE", cfg.Party.Website)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.Party.RequireHTTPS = getEnvBool("REQUIRE_HTTPS", cfg.Party.RequireHTTPS || cfg.IsProduction())

	cfg.Authorization.Enabled = getEnvBool("AUTHORIZATION_ENABLED", cfg.Authorization.Enabled)
	cfg.Authorization.Deadline = getEnvDuration("AUTHORIZATION_DEADLINE", cfg.Authorization.Deadline)
	cfg.Authorization.StopCacheTTL = getEnvDuration("AUTHORIZATION_STOP_TTL", cfg.Authorization.StopCacheTTL)

	cfg.Push.LockWait = getEnvDuration("PUSH_LOCK_WAIT", cfg.Push.LockWait)
	cfg.Push.FlushInterval = getEnvDuration("PUSH_FLUSH_INTERVAL", cfg.Push.FlushInterval)
	cfg.Push.MaxAttempts = getEnvInt("PUSH_MAX_ATTEMPTS", cfg.Push.MaxAttempts)
	cfg.Push.FlushConcurrency = getEnvInt("PUSH_FLUSH_CONCURRENCY", cfg.Push.FlushConcurrency)

	cfg.Registration.LockWait = getEnvDuration("REGISTRATION_LOCK_WAIT", cfg.Registration.LockWait)
	cfg.Registration.RetryInterval = getEnvDuration("REGISTRATION_RETRY_INTERVAL", cfg.Registration.RetryInterval)

	cfg.Peer.Timeout = getEnvDuration("PEER_TIMEOUT", cfg.Peer.Timeout)
	cfg.Peer.MaxRetries = getEnvInt("PEER_MAX_RETRIES", cfg.Peer.MaxRetries)
	cfg.Peer.RequestsPerSecond = getEnvFloat("PEER_REQUESTS_PER_SECOND", cfg.Peer.RequestsPerSecond)

	cfg.RateLimit.ProtocolPerMinute = getEnvInt("RATE_LIMIT_PROTOCOL", cfg.RateLimit.ProtocolPerMinute)
	cfg.RateLimit.AdminPerMinute = getEnvInt("RATE_LIMIT_ADMIN", cfg.RateLimit.AdminPerMinute)
	if cidrs := getEnv("TRUSTED_PROXY_CIDRS", ""); cidrs != "" {
		cfg.RateLimit.TrustedProxyCIDRs = splitList(cidrs)
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsProduction reports whether the hub runs with production safeguards.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// AdminEnabled reports whether the admin API can issue and check tokens.
func (c Config) AdminEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// Validate checks the settings the hub cannot start without.
func (c Config) Validate() error {
	var errs []error
	if len(c.Party.CountryCode) != 2 {
		errs = append(errs, fmt.Errorf("PARTY_COUNTRY_CODE must be a 2 letter ISO code, got %q", c.Party.CountryCode))
	}
	if len(c.Party.PartyID) != 3 {
		errs = append(errs, fmt.Errorf("PARTY_ID must be 3 characters, got %q", c.Party.PartyID))
	}
	if c.Party.Name == "" {
		errs = append(errs, errors.New("PARTY_NAME is required"))
	}
	if c.IsProduction() {
		if len(c.Auth.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET of at least 32 characters is required in production"))
		}
		if !strings.HasPrefix(c.Server.BaseURL, "https://") {
			errs = append(errs, errors.New("SERVER_BASE_URL must use https in production"))
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d is out of range", c.Server.Port))
	}
	if c.Authorization.Deadline <= 0 {
		errs = append(errs, errors.New("AUTHORIZATION_DEADLINE must be positive"))
	}
	if c.Push.MaxAttempts < 1 {
		errs = append(errs, errors.New("PUSH_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Push.FlushConcurrency < 1 {
		errs = append(errs, errors.New("PUSH_FLUSH_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

// VersionsURL is the public URL of our versions endpoint.
func (c Config) VersionsURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + "/ocpi/versions"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
