package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/spf13/viper"
)

// Config holds the revos configuration.
// Priority: REVOS_* env vars > revos.yaml > defaults.
type Config struct {
	TenantID string `mapstructure:"tenant_id"`
	UserID   string `mapstructure:"user_id"`

	Store struct {
		Driver string `mapstructure:"driver"` // libsql | postgres | memory
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Scheduler struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
		Workers  int           `mapstructure:"workers"`
		LockFile string        `mapstructure:"lock_file"`
	} `mapstructure:"scheduler"`

	Idempotency struct {
		Backend   string        `mapstructure:"backend"` // none | memory | redis
		TTL       time.Duration `mapstructure:"ttl"`
		RedisAddr string        `mapstructure:"redis_addr"`
		Namespace string        `mapstructure:"namespace"`
	} `mapstructure:"idempotency"`

	CircuitBreaker struct {
		Enabled          bool          `mapstructure:"enabled"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
	} `mapstructure:"circuit_breaker"`

	// DerivedMetrics maps a KPI name to an expression over the entity record.
	DerivedMetrics map[string]string `mapstructure:"derived_metrics"`
}

// configKeys are bound to REVOS_* env vars; AutomaticEnv alone does not
// reach Unmarshal for keys absent from the file.
var configKeys = []string{
	"tenant_id", "user_id",
	"store.driver", "store.dsn",
	"log.level", "log.format",
	"scheduler.enabled", "scheduler.interval", "scheduler.workers", "scheduler.lock_file",
	"idempotency.backend", "idempotency.ttl", "idempotency.redis_addr", "idempotency.namespace",
	"circuit_breaker.enabled", "circuit_breaker.failure_threshold", "circuit_breaker.cooldown",
}

func revosDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".revos"
	}
	return filepath.Join(home, ".revos")
}

func defaultConfig() Config {
	var cfg Config
	cfg.UserID = "system"
	cfg.Store.Driver = "libsql"
	cfg.Store.DSN = "file:" + filepath.Join(revosDir(), "revos.db")
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Scheduler.Interval = time.Minute
	cfg.Scheduler.Workers = 4
	cfg.Scheduler.LockFile = filepath.Join(revosDir(), "scheduler.lock")
	cfg.Idempotency.Backend = "none"
	cfg.Idempotency.TTL = 10 * time.Minute
	cfg.Idempotency.RedisAddr = "localhost:6379"
	cfg.Idempotency.Namespace = "revos"
	cfg.CircuitBreaker.FailureThreshold = 5
	cfg.CircuitBreaker.Cooldown = 30 * time.Second
	return cfg
}

// loadConfig reads configFile (or revos.yaml from ./ and ~/.revos) plus the
// environment, then fills unset fields from defaultConfig.
func loadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		if _, err := os.Stat(configFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("revos")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(revosDir())
	}
	v.SetEnvPrefix("REVOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range configKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "libsql", "postgres", "memory":
	default:
		return fmt.Errorf("store.driver must be libsql, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && !strings.HasPrefix(c.Store.DSN, "postgres") {
		return fmt.Errorf("store.dsn must be a postgres:// URL for the postgres driver")
	}
	switch c.Idempotency.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("idempotency.backend must be none, memory or redis, got %q", c.Idempotency.Backend)
	}
	return nil
}
