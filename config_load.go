package connscope

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Environment variables read by LoadScopeConfig.
const (
	EnvDatabaseURL    = "DATABASE_URL"
	EnvHost           = "DB_HOST"
	EnvPort           = "DB_PORT"
	EnvName           = "DB_NAME"
	EnvUser           = "DB_USER"
	EnvPassword       = "DB_PASSWORD"
	EnvSSLMode        = "DB_SSLMODE"
	EnvMaxSize        = "DB_POOL_MAX_SIZE"
	EnvPrePing        = "DB_POOL_PRE_PING"
	EnvAcquireTimeout = "DB_ACQUIRE_TIMEOUT"
)

// LoadScopeConfig builds a ScopeConfig from defaults, an optional YAML file
// and the environment, in that order, then validates it.
//
// envFiles are loaded with godotenv before the environment is read; when none
// are given a ".env" file in the working directory is loaded if it exists.
// Variables already set in the process environment take precedence.
func LoadScopeConfig(path string, envFiles ...string) (*ScopeConfig, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	config := NewScopeConfig()

	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return oops.
				Code("INVALID_ENV_FILE").
				In("config").
				Wrapf(err, "failed to load .env")
		}
		return nil
	}

	if err := godotenv.Load(files...); err != nil {
		return oops.
			Code("INVALID_ENV_FILE").
			In("config").
			With("files", files).
			Wrapf(err, "failed to load env files")
	}
	return nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, config *ScopeConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return oops.
			Code("CONFIG_READ_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return oops.
			Code("CONFIG_PARSE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to parse config file")
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
// DATABASE_URL is applied first so the individual DB_* variables can refine it.
func applyEnvOverrides(config *ScopeConfig) error {
	if raw := os.Getenv(EnvDatabaseURL); raw != "" {
		if err := applyDatabaseURL(config, raw); err != nil {
			return err
		}
	}

	if host := os.Getenv(EnvHost); host != "" {
		config.Host = host
	}

	if port := os.Getenv(EnvPort); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return envError(EnvPort, err)
		}
		config.Port = n
	}

	if name := os.Getenv(EnvName); name != "" {
		config.Database = name
	}

	if user := os.Getenv(EnvUser); user != "" {
		config.User = user
	}

	if password := os.Getenv(EnvPassword); password != "" {
		config.Password = password
	}

	if mode := os.Getenv(EnvSSLMode); mode != "" {
		config.SSLMode = mode
	}

	if size := os.Getenv(EnvMaxSize); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return envError(EnvMaxSize, err)
		}
		config.MaxSize = n
	}

	if prePing := os.Getenv(EnvPrePing); prePing != "" {
		b, err := strconv.ParseBool(prePing)
		if err != nil {
			return envError(EnvPrePing, err)
		}
		config.PrePing = b
	}

	if timeout := os.Getenv(EnvAcquireTimeout); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return envError(EnvAcquireTimeout, err)
		}
		config.AcquireTimeout = d
	}

	return nil
}

// applyDatabaseURL copies the fields of a postgres:// URL into config.
func applyDatabaseURL(config *ScopeConfig, raw string) error {
	// pq.ParseURL rejects anything lib/pq itself would not accept.
	if _, err := pq.ParseURL(raw); err != nil {
		return oops.
			Code("INVALID_DATABASE_URL").
			In("config").
			Wrapf(err, "%s is not a valid postgres URL", EnvDatabaseURL)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return oops.
			Code("INVALID_DATABASE_URL").
			In("config").
			Wrapf(err, "%s is not a valid URL", EnvDatabaseURL)
	}

	if host := u.Hostname(); host != "" {
		config.Host = host
	}
	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return envError(EnvDatabaseURL, err)
		}
		config.Port = n
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		config.Database = name
	}
	if u.User != nil {
		config.User = u.User.Username()
		if password, ok := u.User.Password(); ok {
			config.Password = password
		}
	}

	q := u.Query()
	if mode := q.Get("sslmode"); mode != "" {
		config.SSLMode = mode
	}
	if app := q.Get("application_name"); app != "" {
		config.ApplicationName = app
	}
	if timeout := q.Get("connect_timeout"); timeout != "" {
		secs, err := strconv.Atoi(timeout)
		if err != nil {
			return envError(EnvDatabaseURL, err)
		}
		config.ConnectTimeout = time.Duration(secs) * time.Second
	}

	return nil
}

func envError(key string, err error) error {
	return oops.
		Code("INVALID_ENV").
		In("config").
		With("key", key).
		Wrapf(err, "invalid value for %s", key)
}
