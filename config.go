package connscope

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/dchest/siphash"
	"github.com/go-i2p/go-connscope/pool"
	"github.com/samber/oops"
)

// SSL modes understood by the lib/pq driver.
const (
	SSLModeDisable    = "disable"
	SSLModeRequire    = "require"
	SSLModeVerifyCA   = "verify-ca"
	SSLModeVerifyFull = "verify-full"
)

// fingerprint keys are fixed so the same DSN always logs the same fingerprint.
const (
	fingerprintK0 = 0x636f6e6e73636f70
	fingerprintK1 = 0x652d64736e2d6670
)

// ScopeConfig contains configuration for creating a Scope.
// It follows the builder pattern for optional configuration and validation.
// A Scope copies its config on construction; later changes have no effect on it.
type ScopeConfig struct {
	// Host and Port address the PostgreSQL server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Database is the database name to connect to
	Database string `yaml:"database"`

	// User and Password are the login credentials
	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// SSLMode selects transport security. Default: require
	SSLMode string `yaml:"sslmode"`

	// ApplicationName is reported to the server for each session
	ApplicationName string `yaml:"application_name"`

	// MaxSize is the maximum number of live connections. Default: 5
	MaxSize int `yaml:"max_size"`

	// PrePing checks each idle connection with a round trip before lending it.
	// Default: true
	PrePing bool `yaml:"pre_ping"`

	// AcquireTimeout bounds how long Acquire may block, including dialing.
	// Default: 30 seconds
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// ConnectTimeout bounds establishing a single new connection.
	// Default: 10 seconds (0 = bounded only by AcquireTimeout)
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxLifetime is the maximum age of a connection. Default: 30 minutes (0 = unlimited)
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	// MaxIdleTime is how long a connection may sit idle. Default: 5 minutes (0 = unlimited)
	MaxIdleTime time.Duration `yaml:"max_idle_time"`

	// CleanupInterval is how often expired idle connections are pruned.
	// Default: 1 minute
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// VerifyOnOpen makes NewScope establish and ping one connection before
	// returning. Default: true
	VerifyOnOpen bool `yaml:"verify_on_open"`

	// ConnectRetries is the number of extra verification attempts NewScope
	// makes when the store is unavailable. Default: 0
	ConnectRetries int `yaml:"connect_retries"`

	// RetryBackoff is the base delay between verification attempts.
	// Actual delay uses exponential backoff: delay = RetryBackoff * (2^attempt)
	// Default: 1 second
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// NewScopeConfig creates a new ScopeConfig with sensible defaults.
func NewScopeConfig() *ScopeConfig {
	return &ScopeConfig{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         SSLModeRequire,
		ApplicationName: "connscope",
		MaxSize:         5,
		PrePing:         true,
		AcquireTimeout:  30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		MaxLifetime:     30 * time.Minute,
		MaxIdleTime:     5 * time.Minute,
		CleanupInterval: time.Minute,
		VerifyOnOpen:    true,
		ConnectRetries:  0,
		RetryBackoff:    1 * time.Second,
	}
}

// WithAddress sets the server host and port.
func (c *ScopeConfig) WithAddress(host string, port int) *ScopeConfig {
	c.Host = host
	c.Port = port
	return c
}

// WithDatabase sets the database name.
func (c *ScopeConfig) WithDatabase(name string) *ScopeConfig {
	c.Database = name
	return c
}

// WithCredentials sets the login user and password.
func (c *ScopeConfig) WithCredentials(user, password string) *ScopeConfig {
	c.User = user
	c.Password = password
	return c
}

// WithSSLMode sets the transport security mode.
func (c *ScopeConfig) WithSSLMode(mode string) *ScopeConfig {
	c.SSLMode = mode
	return c
}

// WithApplicationName sets the application name reported to the server.
func (c *ScopeConfig) WithApplicationName(name string) *ScopeConfig {
	c.ApplicationName = name
	return c
}

// WithMaxSize sets the maximum number of live connections.
func (c *ScopeConfig) WithMaxSize(size int) *ScopeConfig {
	c.MaxSize = size
	return c
}

// WithPrePing enables or disables the liveness check before lending.
func (c *ScopeConfig) WithPrePing(enabled bool) *ScopeConfig {
	c.PrePing = enabled
	return c
}

// WithAcquireTimeout sets how long Acquire may block.
func (c *ScopeConfig) WithAcquireTimeout(timeout time.Duration) *ScopeConfig {
	c.AcquireTimeout = timeout
	return c
}

// WithConnectTimeout sets the timeout for establishing one connection.
func (c *ScopeConfig) WithConnectTimeout(timeout time.Duration) *ScopeConfig {
	c.ConnectTimeout = timeout
	return c
}

// WithMaxLifetime sets the maximum connection age.
func (c *ScopeConfig) WithMaxLifetime(lifetime time.Duration) *ScopeConfig {
	c.MaxLifetime = lifetime
	return c
}

// WithMaxIdleTime sets the maximum idle time.
func (c *ScopeConfig) WithMaxIdleTime(idle time.Duration) *ScopeConfig {
	c.MaxIdleTime = idle
	return c
}

// WithVerifyOnOpen controls whether NewScope checks connectivity up front.
func (c *ScopeConfig) WithVerifyOnOpen(verify bool) *ScopeConfig {
	c.VerifyOnOpen = verify
	return c
}

// WithConnectRetries sets the number of startup verification retries.
func (c *ScopeConfig) WithConnectRetries(retries int) *ScopeConfig {
	c.ConnectRetries = retries
	return c
}

// WithRetryBackoff sets the base delay between startup verification attempts.
func (c *ScopeConfig) WithRetryBackoff(backoff time.Duration) *ScopeConfig {
	c.RetryBackoff = backoff
	return c
}

// Validate checks if the configuration is valid and complete.
// Returns an error with context if validation fails.
func (c *ScopeConfig) Validate() error {
	if err := c.validateTarget(); err != nil {
		return err
	}

	if err := c.validateSSLMode(); err != nil {
		return err
	}

	return c.validatePool()
}

// validateTarget checks the server address and credentials.
func (c *ScopeConfig) validateTarget() error {
	if c.Host == "" {
		return oops.
			Code("INVALID_ADDRESS").
			In("config").
			Errorf("database host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return oops.
			Code("INVALID_ADDRESS").
			In("config").
			With("port", c.Port).
			Errorf("database port must be between 1 and 65535")
	}

	if c.Database == "" {
		return oops.
			Code("INVALID_DATABASE").
			In("config").
			With("host", c.Host).
			Errorf("database name is required")
	}

	if c.User == "" {
		return oops.
			Code("INVALID_CREDENTIALS").
			In("config").
			With("host", c.Host).
			With("database", c.Database).
			Errorf("database user is required")
	}

	return nil
}

// validateSSLMode checks the transport security mode is one lib/pq supports.
func (c *ScopeConfig) validateSSLMode() error {
	switch c.SSLMode {
	case SSLModeDisable, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return nil
	}
	return oops.
		Code("INVALID_SSLMODE").
		In("config").
		With("sslmode", c.SSLMode).
		Errorf("sslmode must be one of disable, require, verify-ca, verify-full")
}

// validatePool checks sizing, timeouts and retry settings.
func (c *ScopeConfig) validatePool() error {
	if c.MaxSize <= 0 {
		return oops.
			Code("INVALID_POOL_SIZE").
			In("config").
			With("max_size", c.MaxSize).
			Errorf("max pool size must be positive")
	}

	if c.AcquireTimeout <= 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("config").
			With("acquire_timeout", c.AcquireTimeout).
			Errorf("acquire timeout must be positive")
	}

	if c.ConnectTimeout < 0 || c.MaxLifetime < 0 || c.MaxIdleTime < 0 || c.CleanupInterval < 0 {
		return oops.
			Code("INVALID_TIMEOUT").
			In("config").
			With("connect_timeout", c.ConnectTimeout).
			With("max_lifetime", c.MaxLifetime).
			With("max_idle_time", c.MaxIdleTime).
			With("cleanup_interval", c.CleanupInterval).
			Errorf("durations must be non-negative")
	}

	if c.ConnectRetries < 0 {
		return oops.
			Code("INVALID_RETRY_COUNT").
			In("config").
			With("retries", c.ConnectRetries).
			Errorf("connect retries must be >= 0")
	}

	if c.RetryBackoff < 0 {
		return oops.
			Code("INVALID_RETRY_BACKOFF").
			In("config").
			With("backoff", c.RetryBackoff).
			Errorf("retry backoff must be non-negative")
	}

	return nil
}

// DSN returns the lib/pq connection URL. It contains the password and must
// not be logged; use String or Fingerprint instead.
func (c *ScopeConfig) DSN() string {
	return c.url().String()
}

// String returns the connection URL with the password redacted.
func (c *ScopeConfig) String() string {
	return c.url().Redacted()
}

// Fingerprint returns a stable, non-reversible identifier of the full DSN,
// credentials included, for correlating log lines.
func (c *ScopeConfig) Fingerprint() string {
	return fmt.Sprintf("%016x", siphash.Hash(fingerprintK0, fingerprintK1, []byte(c.DSN())))
}

func (c *ScopeConfig) url() *url.URL {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}

	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	if c.ConnectTimeout > 0 {
		secs := int((c.ConnectTimeout + time.Second - 1) / time.Second)
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	if c.ApplicationName != "" {
		q.Set("application_name", c.ApplicationName)
	}
	u.RawQuery = q.Encode()
	return u
}

func (c *ScopeConfig) poolConfig() *pool.PoolConfig {
	return &pool.PoolConfig{
		MaxSize:         c.MaxSize,
		MaxAge:          c.MaxLifetime,
		MaxIdle:         c.MaxIdleTime,
		PrePing:         c.PrePing,
		CleanupInterval: c.CleanupInterval,
	}
}

func (c *ScopeConfig) clone() *ScopeConfig {
	cp := *c
	return &cp
}
