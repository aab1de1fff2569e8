// Package config loads library configuration from a YAML file with optional
// .env pickup and environment-variable overrides for secret material.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marketwire/brokerauth/cache"
	"github.com/marketwire/brokerauth/internal/logging"
)

// Cache store backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendObject   = "object"
)

// Config describes one account's session configuration.
type Config struct {
	// Username is the brokerage account username.
	Username string `yaml:"username"`
	// Password is the brokerage account password.
	Password string `yaml:"password"`
	// DeviceToken identifies this device; generated when empty.
	DeviceToken string `yaml:"device-token"`
	// BaseURL overrides the API root.
	BaseURL string `yaml:"base-url"`
	// ChallengeType is the challenge flavor requested at login.
	ChallengeType string `yaml:"challenge-type"`
	// Cache selects and configures the credential cache.
	Cache CacheConfig `yaml:"cache"`
	// LogFile switches logging to a rotating file when set.
	LogFile string `yaml:"log-file"`
}

// CacheConfig selects the record store backend and codec.
type CacheConfig struct {
	// Backend is file, postgres, or object. Defaults to file.
	Backend string `yaml:"backend"`
	// Path locates the record file for the file backend. Defaults to
	// ~/.brokerauth/login.
	Path string `yaml:"path"`
	// Encrypt selects the encrypted codec keyed from account material.
	Encrypt bool `yaml:"encrypt"`
	// Postgres configures the postgres backend.
	Postgres PostgresConfig `yaml:"postgres"`
	// Object configures the object storage backend.
	Object ObjectConfig `yaml:"object"`
}

// PostgresConfig mirrors cache.PostgresConfig for YAML loading.
type PostgresConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`
}

// ObjectConfig mirrors cache.ObjectConfig for YAML loading.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use-ssl"`
}

// Load reads the YAML file at path, folds in a .env file when one is present
// in the working directory, and applies environment overrides.
func Load(path string) (*Config, error) {
	// .env pickup is best effort; absence is not an error.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BROKERAUTH_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("BROKERAUTH_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("BROKERAUTH_DEVICE_TOKEN"); v != "" {
		c.DeviceToken = v
	}
	if v := os.Getenv("BROKERAUTH_CACHE_DSN"); v != "" {
		c.Cache.Postgres.DSN = v
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Username == "" {
		return errors.New("config: username is required")
	}
	if c.Password == "" {
		return errors.New("config: password is required")
	}
	switch c.Cache.Backend {
	case "", BackendFile:
	case BackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			return errors.New("config: cache.postgres.dsn is required for the postgres backend")
		}
	case BackendObject:
		if c.Cache.Object.Endpoint == "" || c.Cache.Object.Bucket == "" {
			return errors.New("config: cache.object.endpoint and bucket are required for the object backend")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// ConfigureLogging applies the logging settings: rotating file output when
// LogFile is set, stdout otherwise.
func (c *Config) ConfigureLogging() error {
	return logging.ConfigureOutput(c.LogFile)
}

// CachePath returns the record file location for the file backend.
func (c *Config) CachePath() (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".brokerauth", "login"), nil
}

// BuildCache constructs the credential cache described by the configuration.
// Store initialization (directory creation, schema setup) happens here, as
// an explicit step.
func (c *Config) BuildCache(ctx context.Context) (*cache.Cache, error) {
	var (
		store cache.RecordStore
		err   error
	)
	switch c.Cache.Backend {
	case "", BackendFile:
		var path string
		if path, err = c.CachePath(); err != nil {
			return nil, err
		}
		store, err = cache.NewFileStore(path)
	case BackendPostgres:
		store, err = cache.NewPostgresStore(ctx, cache.PostgresConfig{
			DSN:    c.Cache.Postgres.DSN,
			Schema: c.Cache.Postgres.Schema,
			Table:  c.Cache.Postgres.Table,
			Key:    c.Username,
		})
	case BackendObject:
		store, err = cache.NewObjectStore(cache.ObjectConfig{
			Endpoint:  c.Cache.Object.Endpoint,
			Bucket:    c.Cache.Object.Bucket,
			AccessKey: c.Cache.Object.AccessKey,
			SecretKey: c.Cache.Object.SecretKey,
			Region:    c.Cache.Object.Region,
			Prefix:    c.Cache.Object.Prefix,
			Key:       c.Username,
			UseSSL:    c.Cache.Object.UseSSL,
		})
	default:
		return nil, fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	if err != nil {
		return nil, err
	}

	var codec cache.Codec = cache.PlainCodec{}
	if c.Cache.Encrypt {
		codec = cache.SecretboxCodec{}
	}
	return cache.New(store, codec), nil
}
