package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
)

// Config groups every setting the pipeline processes read at start-up.
type Config struct {
	Broker   BrokerConfig   `koanf:"broker"`
	Worker   WorkerConfig   `koanf:"worker"`
	Postgres PostgresConfig `koanf:"postgres"`
	Redis    RedisConfig    `koanf:"redis"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Insights InsightsConfig `koanf:"insights"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// BrokerConfig describes the RabbitMQ endpoint and the publisher's retry budget.
type BrokerConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	VHost    string `koanf:"vhost"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`

	// ConnectMaxRetries bounds the inline connect a publisher performs when the
	// admin connection is down.
	ConnectMaxRetries int           `koanf:"connect_max_retries"`
	Heartbeat         time.Duration `koanf:"heartbeat"`

	// Breaker settings guard inline connects from the request path.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// WorkerConfig tunes the consumer pool.
type WorkerConfig struct {
	Count             int           `koanf:"count"`
	Prefetch          int           `koanf:"prefetch"`
	ReconnectAttempts int           `koanf:"reconnect_attempts"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay"`
	// MaxRedeliveries caps handler-error retries before a message is
	// dead-lettered. A negative value requeues forever.
	MaxRedeliveries int `koanf:"max_redeliveries"`
	// HandlerTimeout bounds a single handler invocation. Zero disables it.
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
}

type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// Migrate creates the pipeline tables on start-up when they are missing.
	Migrate bool `koanf:"migrate"`
}

type RedisConfig struct {
	URL           string        `koanf:"url"`
	PreferenceTTL time.Duration `koanf:"preference_ttl"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// InsightsConfig controls the business-insight recompute that follows every
// user action.
type InsightsConfig struct {
	// Inline recomputes inside the user-action handler instead of publishing a
	// follow-up business_insight event.
	Inline      bool `koanf:"inline"`
	DefaultDays int  `koanf:"default_days"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Host:              "localhost",
			Port:              5672,
			VHost:             "/",
			ConnectMaxRetries: 3,
			Heartbeat:         10 * time.Second,
			BreakerFailures:   3,
			BreakerTimeout:    30 * time.Second,
		},
		Worker: WorkerConfig{
			Count:             2,
			Prefetch:          50,
			ReconnectAttempts: 5,
			ReconnectDelay:    5 * time.Second,
			MaxRedeliveries:   5,
		},
		Postgres: PostgresConfig{
			URL:             "postgres://escape_user@localhost:5433/escape_room_db?sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			PreferenceTTL: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9102,
		},
		Insights: InsightsConfig{
			DefaultDays: 7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// URL assembles the AMQP URL. The vhost is path-escaped so the default "/"
// becomes "%2F" on the wire.
func (b BrokerConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(b.Port)),
	}
	if b.Username != "" {
		u.User = url.UserPassword(b.Username, b.Password)
	}
	vhost := b.VHost
	if vhost == "" {
		vhost = "/"
	}
	u.Path = "/" + vhost
	u.RawPath = "/" + url.PathEscape(vhost)
	return u.String()
}

const redactedMarker = "***REDACTED***"

// Redacted returns a copy safe to log: the broker password and any password
// embedded in the Postgres or Redis URL are masked.
func (c Config) Redacted() Config {
	out := c
	if out.Broker.Password != "" {
		out.Broker.Password = redactedMarker
	}
	out.Postgres.URL = redactURLCredentials(out.Postgres.URL)
	out.Redis.URL = redactURLCredentials(out.Redis.URL)
	return out
}

func (c Config) String() string {
	type plain Config
	return fmt.Sprintf("%+v", plain(c.Redacted()))
}

// redactURLCredentials masks the password of a connection URL. A URL that
// does not parse is masked as a whole since the password position is unknown.
func redactURLCredentials(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "***REDACTED_URL***"
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), redactedMarker)
	}
	return parsed.String()
}

// Validate checks every section and returns all problems at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateBroker()...)
	errs = append(errs, c.validateWorker()...)
	errs = append(errs, c.validateStores()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateBroker() []error {
	var errs []error
	if strings.TrimSpace(c.Broker.Host) == "" {
		errs = append(errs, errors.New("broker: host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, fmt.Errorf("broker: invalid port %d", c.Broker.Port))
	}
	if c.Broker.ConnectMaxRetries < 1 {
		errs = append(errs, errors.New("broker: connect max retries must be at least 1"))
	}
	if c.Broker.BreakerTimeout < 0 {
		errs = append(errs, errors.New("broker: breaker timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validateWorker() []error {
	var errs []error
	if c.Worker.Count < 1 {
		errs = append(errs, errors.New("worker: count must be at least 1"))
	}
	if c.Worker.Prefetch < 1 {
		errs = append(errs, errors.New("worker: prefetch must be at least 1"))
	}
	if c.Worker.ReconnectAttempts < 0 {
		errs = append(errs, errors.New("worker: reconnect attempts cannot be negative"))
	}
	if c.Worker.ReconnectDelay < 0 {
		errs = append(errs, errors.New("worker: reconnect delay cannot be negative"))
	}
	if c.Worker.HandlerTimeout < 0 {
		errs = append(errs, errors.New("worker: handler timeout cannot be negative"))
	}
	return errs
}

func (c *Config) validateStores() []error {
	var errs []error
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("postgres: URL is required"))
	}
	if c.Postgres.MaxOpenConns < 0 || c.Postgres.MaxIdleConns < 0 {
		errs = append(errs, errors.New("postgres: pool sizes cannot be negative"))
	}
	if c.Redis.PreferenceTTL < 0 {
		errs = append(errs, errors.New("redis: preference TTL cannot be negative"))
	}
	if c.Insights.DefaultDays < 1 {
		errs = append(errs, errors.New("insights: default days must be at least 1"))
	}
	if c.Insights.DefaultDays > events.MaxInsightDays {
		errs = append(errs, fmt.Errorf("insights: default days cannot exceed %d", events.MaxInsightDays))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.Metrics.Port))
	}
	return errs
}

// ValidateConfig validates c, treating a nil config as invalid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config: nil configuration")
	}
	return c.Validate()
}
