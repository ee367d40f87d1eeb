package quipodb

import (
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the redis provider. Empty fields fall back to
// the REDIS_* environment variables.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
}

// Options returns client options for c, starting from RedisOptions.
func (c RedisConfig) Options() *redis.Options {
	opts := RedisOptions()
	if c.Addr != "" {
		opts.Addr = c.Addr
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB > 0 {
		opts.DB = c.DB
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	return opts
}

// RedisOptions returns redis.Options populated from standard environment variables.
//
// Environment variables read (with defaults):
//   - REDIS_ADDR (default: "localhost:6379")
//   - REDIS_PASSWORD (default: "")
//   - REDIS_DB (default: 0)
//
// For Cluster, Sentinel or TLS setups construct redis.Options directly and
// pass the client to NewRedisProvider.
func RedisOptions() *redis.Options {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvAsInt("REDIS_DB", 0),
	}
}

// getEnvAsInt reads an integer environment variable with a default fallback.
func getEnvAsInt(key string, defaultVal int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultVal
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultVal
	}

	return value
}
