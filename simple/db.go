package simple

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrianmcphee/quipodb"
	"github.com/redis/go-redis/v9"
)

// DB is the simple API entry point.
// It wraps a quipodb.DB configured with sensible defaults.
//
// Example:
//
//	db, err := simple.Connect(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
type DB struct {
	core *quipodb.DB
}

type connectConfig struct {
	cfg       *quipodb.Config
	providers []quipodb.Provider
	options   []quipodb.Option
}

// Option is a functional option for configuring Connect.
type Option func(*connectConfig) error

// Connect creates a new DB.
//
// Without options the configuration comes from the environment:
//   - QUIPODB_CONFIG: path to a YAML configuration file
//   - DATA_PATH: directory of the JSON file provider (default: "./data")
//   - REDIS_ADDR: adds a Redis provider when the server answers
//
// QUIPODB_* and REDIS_* overrides apply in every case (see Config.ApplyEnv).
// The cache is always enabled.
func Connect(ctx context.Context, opts ...Option) (*DB, error) {
	cc := &connectConfig{}
	for _, opt := range opts {
		if err := opt(cc); err != nil {
			return nil, err
		}
	}

	core := append([]quipodb.Option{quipodb.WithCache()}, cc.options...)

	if len(cc.providers) > 0 {
		for _, p := range cc.providers {
			core = append(core, quipodb.WithProvider(p))
		}
		db, err := quipodb.New(core...)
		if err != nil {
			return nil, err
		}
		return &DB{core: db}, nil
	}

	cfg := cc.cfg
	if cfg == nil {
		var err error
		if cfg, err = detectConfig(ctx); err != nil {
			return nil, fmt.Errorf("failed to detect configuration: %w", err)
		}
	}
	cfg.ApplyEnv()

	db, err := quipodb.Open(ctx, cfg, core...)
	if err != nil {
		return nil, err
	}
	return &DB{core: db}, nil
}

// MustConnect is like Connect but panics on error.
// Use this for demos, prototypes, and when failure should crash the app.
func MustConnect(ctx context.Context, opts ...Option) *DB {
	db, err := Connect(ctx, opts...)
	if err != nil {
		panic(fmt.Sprintf("simple.MustConnect failed: %v", err))
	}
	return db
}

// Close flushes and closes all providers.
func (db *DB) Close() error {
	return db.core.Close()
}

// Core returns the underlying quipodb.DB.
// Use this to drop down to the full API when needed.
func (db *DB) Core() *quipodb.DB {
	return db.core
}

// detectConfig builds a configuration from the environment.
func detectConfig(ctx context.Context) (*quipodb.Config, error) {
	if path := os.Getenv("QUIPODB_CONFIG"); path != "" {
		return quipodb.LoadConfig(path)
	}

	dataPath := os.Getenv("DATA_PATH")
	if dataPath == "" {
		dataPath = "./data"
	}
	cfg := &quipodb.Config{
		Providers: []quipodb.ProviderConfig{{
			Type:     quipodb.ProviderJSON,
			Path:     filepath.Join(dataPath, "quipodb.json"),
			Autosave: true,
		}},
	}

	// Redis is optional - continue without it when unreachable
	if os.Getenv("REDIS_ADDR") != "" && redisAvailable(ctx) {
		cfg.Providers = append(cfg.Providers, quipodb.ProviderConfig{Type: quipodb.ProviderRedis})
	}
	return cfg, nil
}

func redisAvailable(ctx context.Context) bool {
	client := redis.NewClient(quipodb.RedisOptions())
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// Functional options

// WithConfig uses cfg instead of detecting one from the environment.
func WithConfig(cfg *quipodb.Config) Option {
	return func(c *connectConfig) error {
		if cfg == nil {
			return fmt.Errorf("%w: nil config", quipodb.ErrInvalidConfig)
		}
		c.cfg = cfg
		return nil
	}
}

// WithProvider uses p instead of configured providers. May be repeated.
func WithProvider(p quipodb.Provider) Option {
	return func(c *connectConfig) error {
		c.providers = append(c.providers, p)
		return nil
	}
}

// WithRedis adds a Redis provider over client. The caller keeps ownership
// of the client.
func WithRedis(client *redis.Client, prefix string) Option {
	return WithProvider(quipodb.NewRedisProvider(client, prefix))
}

// WithOptions passes options through to the underlying quipodb.DB.
func WithOptions(opts ...quipodb.Option) Option {
	return func(c *connectConfig) error {
		c.options = append(c.options, opts...)
		return nil
	}
}
