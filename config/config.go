package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	WebRTC    WebRTCConfig
	Relay     RelayConfig
	Telemetry TelemetryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	ReadTimeout        time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout       time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"` // if set, used as-is
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"consult"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"20"`
}

// RedisConfig holds Redis connection settings. Fanout enables cross-instance session change
// notifications.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Fanout   bool   `env:"REDIS_FANOUT" envDefault:"true"`
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Secret string        `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	Issuer string        `env:"JWT_ISSUER"`
	TTL    time.Duration `env:"JWT_TTL" envDefault:"24h"`
}

// AWSConfig holds AWS credentials and the attachments bucket.
type AWSConfig struct {
	Region               string `env:"AWS_REGION" envDefault:"us-east-1"`
	Endpoint             string `env:"AWS_S3_ENDPOINT"`
	AccessKeyID          string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey      string `env:"AWS_SECRET_ACCESS_KEY"`
	AttachmentsBucket    string `env:"AWS_S3_ATTACHMENTS_BUCKET"`
	PresignExpireMinutes int    `env:"AWS_PRESIGN_EXPIRE_MINUTES" envDefault:"15"`
}

// WebRTCConfig holds STUN/TURN ICE server URLs handed to clients on join.
type WebRTCConfig struct {
	ICEUrls []string `env:"WEBRTC_ICE_URLS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
}

// RelayConfig tunes the session actors.
type RelayConfig struct {
	TypingWindow      time.Duration `env:"RELAY_TYPING_WINDOW" envDefault:"3s"`
	TransitionTimeout time.Duration `env:"RELAY_TRANSITION_TIMEOUT" envDefault:"10s"`
	StoreTimeout      time.Duration `env:"RELAY_STORE_TIMEOUT" envDefault:"5s"`
	SendRetries       uint          `env:"RELAY_SEND_RETRIES" envDefault:"4"`
	BackfillLimit     int           `env:"RELAY_BACKFILL_LIMIT" envDefault:"500"`
	IdleTimeout       time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"2m"`
	MailboxSize       int           `env:"RELAY_MAILBOX_SIZE" envDefault:"256"`
	RecentMessages    int           `env:"RELAY_RECENT_MESSAGES" envDefault:"512"`
	InlineWorker      bool          `env:"RELAY_INLINE_WORKER" envDefault:"true"`
}

// TelemetryConfig holds OpenTelemetry export settings. Tracing is off when Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"consult-relay"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Relay.TypingWindow <= 0 {
		errs = append(errs, errors.New("RELAY_TYPING_WINDOW must be positive"))
	}
	if c.Relay.TransitionTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_TRANSITION_TIMEOUT must be positive"))
	}
	if c.Relay.StoreTimeout <= 0 {
		errs = append(errs, errors.New("RELAY_STORE_TIMEOUT must be positive"))
	}
	if c.Relay.MailboxSize <= 0 {
		errs = append(errs, errors.New("RELAY_MAILBOX_SIZE must be positive"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}
