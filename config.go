package quipodb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Configuration constants for QuipoDB
const (
	// DefaultTTLField holds the epoch millisecond expiry of a document.
	DefaultTTLField = "ttl"

	// Circuit breaker configuration
	DefaultBreakerMaxFailures  = 5
	DefaultBreakerResetTimeout = 30 * time.Second

	// File provider configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755
)

// Provider types accepted by ProviderConfig.Type.
const (
	ProviderMemory   = "memory"
	ProviderJSON     = "json"
	ProviderSQLite   = "sqlite"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
	ProviderDocstore = "docstore"
	ProviderObjects  = "objects"
)

// Config describes a DB and its providers. It is usually loaded from YAML:
//
//	providers:
//	  - type: sqlite
//	    path: ./data/quipo.db
//	  - type: redis
//	    redis:
//	      addr: localhost:6379
//	      prefix: app
//	cache: true
//	ttl_interval: 1m
//	circuit_breaker:
//	  max_failures: 5
//	  reset_timeout: 30s
//	log_level: info
type Config struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	Cache          bool                 `yaml:"cache"`
	TTLInterval    time.Duration        `yaml:"ttl_interval"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	LogLevel       string               `yaml:"log_level"`
}

// CircuitBreakerConfig enables per-provider circuit breakers when
// MaxFailures is positive.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ProviderConfig configures one provider. Which fields apply depends on Type.
type ProviderConfig struct {
	Type string `yaml:"type"`

	Path        string `yaml:"path"`        // json, sqlite
	Compression string `yaml:"compression"` // json: none, snappy, lz4, zstd
	Autosave    bool   `yaml:"autosave"`    // json
	DSN         string `yaml:"dsn"`         // postgres
	URL         string `yaml:"url"`         // docstore URL template containing {collection}

	Redis   RedisConfig   `yaml:"redis"`
	Backend BackendConfig `yaml:"backend"` // objects
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration. Unknown fields are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "malformed YAML",
			"error":  err.Error(),
		})
	}
	return &cfg, nil
}

// ApplyEnv overrides configuration from environment variables:
//
//   - QUIPODB_LOG_LEVEL
//   - QUIPODB_CACHE (bool)
//   - QUIPODB_TTL_INTERVAL (duration)
//   - QUIPODB_SQLITE_PATH, QUIPODB_JSON_PATH, QUIPODB_POSTGRES_DSN,
//     QUIPODB_DOCSTORE_URL: fill the matching provider, adding it when absent
//   - REDIS_ADDR, REDIS_PASSWORD, REDIS_DB: override every redis provider
func (c *Config) ApplyEnv() {
	if v := os.Getenv("QUIPODB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v, err := strconv.ParseBool(os.Getenv("QUIPODB_CACHE")); err == nil {
		c.Cache = v
	}
	if v, err := time.ParseDuration(os.Getenv("QUIPODB_TTL_INTERVAL")); err == nil {
		c.TTLInterval = v
	}

	c.envProvider(ProviderSQLite, "QUIPODB_SQLITE_PATH", func(p *ProviderConfig, v string) { p.Path = v })
	c.envProvider(ProviderJSON, "QUIPODB_JSON_PATH", func(p *ProviderConfig, v string) { p.Path = v })
	c.envProvider(ProviderPostgres, "QUIPODB_POSTGRES_DSN", func(p *ProviderConfig, v string) { p.DSN = v })
	c.envProvider(ProviderDocstore, "QUIPODB_DOCSTORE_URL", func(p *ProviderConfig, v string) { p.URL = v })

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type != ProviderRedis {
			continue
		}
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			p.Redis.Addr = v
		}
		if v := os.Getenv("REDIS_PASSWORD"); v != "" {
			p.Redis.Password = v
		}
		p.Redis.DB = getEnvAsInt("REDIS_DB", p.Redis.DB)
	}
}

func (c *Config) envProvider(typ, env string, set func(*ProviderConfig, string)) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	for i := range c.Providers {
		if c.Providers[i].Type == typ {
			set(&c.Providers[i], v)
			return
		}
	}
	p := ProviderConfig{Type: typ}
	set(&p, v)
	c.Providers = append(c.Providers, p)
}

// Validate checks the configuration without connecting to anything.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "providers",
			"reason": "at least one provider is required",
		})
	}
	if c.TTLInterval < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ttl_interval",
			"value":  c.TTLInterval,
			"reason": "must be non-negative",
		})
	}
	if c.CircuitBreaker.MaxFailures < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "circuit_breaker.max_failures",
			"value":  c.CircuitBreaker.MaxFailures,
			"reason": "must be non-negative",
		})
	}
	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return WithContext(err, map[string]interface{}{"provider_index": i})
		}
	}
	return nil
}

// Validate checks that the fields required by the provider type are set.
func (p ProviderConfig) Validate() error {
	missing := func(field string) error {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"type":   p.Type,
			"field":  field,
			"reason": "required",
		})
	}

	switch p.Type {
	case ProviderMemory:
	case ProviderJSON, ProviderSQLite:
		if p.Path == "" {
			return missing("path")
		}
	case ProviderPostgres:
		if p.DSN == "" {
			return missing("dsn")
		}
	case ProviderDocstore:
		if !strings.Contains(p.URL, collectionPlaceholder) {
			return missing("url")
		}
	case ProviderRedis:
		if p.Redis.DB < 0 {
			return missing("redis.db")
		}
	case ProviderObjects:
		return p.Backend.Validate()
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "type",
			"value":  p.Type,
			"reason": "unknown provider type",
		})
	}
	return nil
}

// Open validates cfg, builds its providers and returns a DB over them.
// Options are applied after the configuration and may add providers or
// replace the logger and metrics.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base []Option
	if cfg.LogLevel != "" {
		logger, err := NewProductionZapLogger(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		base = append(base, WithLogger(logger))
	}

	var providers []Provider
	for _, pc := range cfg.Providers {
		p, err := OpenProvider(ctx, pc)
		if err != nil {
			var errs error
			for _, opened := range providers {
				errs = multierr.Append(errs, opened.Close())
			}
			return nil, multierr.Append(err, errs)
		}
		providers = append(providers, p)
		base = append(base, WithProvider(p))
	}

	if cfg.Cache {
		base = append(base, WithCache())
	}
	if cfg.TTLInterval > 0 {
		base = append(base, WithTTLSweep(cfg.TTLInterval))
	}
	if cfg.CircuitBreaker.MaxFailures > 0 {
		base = append(base, WithCircuitBreaker(cfg.CircuitBreaker.MaxFailures, cfg.CircuitBreaker.ResetTimeout))
	}

	db, err := New(append(base, opts...)...)
	if err != nil {
		for _, p := range providers {
			_ = p.Close()
		}
		return nil, err
	}
	return db, nil
}

// OpenProvider builds a single provider from its configuration.
func OpenProvider(ctx context.Context, pc ProviderConfig) (Provider, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	switch pc.Type {
	case ProviderMemory:
		return NewMemoryProvider(), nil
	case ProviderJSON:
		var opts []JSONOption
		if pc.Autosave {
			opts = append(opts, WithAutosave())
		}
		if pc.Compression != "" {
			opts = append(opts, WithCompression(pc.Compression))
		}
		return NewJSONProvider(ctx, pc.Path, opts...)
	case ProviderSQLite:
		return NewSQLiteProvider(ctx, pc.Path)
	case ProviderPostgres:
		return NewPostgresProvider(ctx, pc.DSN)
	case ProviderDocstore:
		return NewDocstoreProvider(ctx, pc.URL)
	case ProviderRedis:
		client := redis.NewClient(pc.Redis.Options())
		return NewRedisProviderWithOwnedClient(client, pc.Redis.Prefix), nil
	case ProviderObjects:
		backend, err := OpenBackend(ctx, pc.Backend)
		if err != nil {
			return nil, err
		}
		return NewObjectProvider(backend), nil
	}
	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"type": pc.Type})
}
