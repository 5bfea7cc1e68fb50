package main

import (
	"fmt"
	"net"
	"os"
	"time"

	reconciler "github.com/always-cache/cache-reconciler"
	"github.com/always-cache/cache-reconciler/cache"
	cachekey "github.com/always-cache/cache-reconciler/pkg/cache-key"
	retentionrules "github.com/always-cache/cache-reconciler/pkg/retention-rules"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Provider is one of redis, sqlite, leveldb or memory.
	Provider string        `yaml:"provider"`
	Pattern  string        `yaml:"pattern"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`

	Redis  cache.RedisConfig `yaml:"redis"`
	SQLite struct {
		File string `yaml:"file"`
	} `yaml:"sqlite"`
	LevelDB struct {
		Path string `yaml:"path"`
	} `yaml:"leveldb"`

	Oracle struct {
		Endpoint     string        `yaml:"endpoint"`
		Timeout      time.Duration `yaml:"timeout"`
		MaxNewTokens int           `yaml:"maxNewTokens"`
	} `yaml:"oracle"`

	Admin struct {
		Addr string `yaml:"addr"`
	} `yaml:"admin"`

	Policy reconciler.Policy    `yaml:"policy"`
	Rules  retentionrules.Rules `yaml:"rules"`
}

func defaultConfig() Config {
	cfg := Config{
		Provider: "redis",
		Pattern:  cachekey.NewCacheKeyer("").Pattern(),
		Interval: 10 * time.Minute,
		Workers:  1,
		Redis:    cache.DefaultRedisConfig(),
		Policy:   reconciler.DefaultPolicy(),
	}
	cfg.SQLite.File = "cache.db"
	cfg.LevelDB.Path = "./data/leveldb"
	cfg.Oracle.Endpoint = "http://localhost:8000"
	cfg.Oracle.Timeout = 30 * time.Second
	cfg.Oracle.MaxNewTokens = 150
	return cfg
}

// getConfig reads the config file over the defaults, if a file name is given,
// and then applies environment overrides.
func getConfig(filename string) (Config, error) {
	cfg := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", filename, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv applies the REDIS_HOST and REDIS_PORT overrides to the redis address.
func (c *Config) applyEnv() error {
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host == "" && port == "" {
		return nil
	}
	currentHost, currentPort, err := net.SplitHostPort(c.Redis.Address)
	if err != nil {
		return fmt.Errorf("redis.address: %w", err)
	}
	c.Redis.Address = net.JoinHostPort(getenvDefault("REDIS_HOST", currentHost), getenvDefault("REDIS_PORT", currentPort))
	return nil
}

func (c Config) validate() error {
	switch c.Provider {
	case "redis", "sqlite", "leveldb", "memory":
	default:
		return fmt.Errorf("provider: unknown provider %q", c.Provider)
	}
	if c.Pattern == "" {
		return fmt.Errorf("pattern: must not be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval: must be positive, is %s", c.Interval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers: must be at least 1, is %d", c.Workers)
	}
	if c.Oracle.Endpoint == "" {
		return fmt.Errorf("oracle.endpoint: must not be empty")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy.%w", err)
	}
	if err := c.Rules.Validate(); err != nil {
		return err
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
