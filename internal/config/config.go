package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"marketd/internal/exchange"
	"marketd/internal/logging"
)

// Config represents the application configuration
type Config struct {
	App        AppConfig                    `yaml:"app"`
	Server     ServerConfig                 `yaml:"server"`
	Redis      RedisConfig                  `yaml:"redis"`
	Monitoring MonitoringConfig             `yaml:"monitoring"`
	Logging    logging.Config               `yaml:"logging"`
	Manager    exchange.ManagerConfig       `yaml:"manager"`
	Exchanges  map[string]*exchange.Options `yaml:"exchanges"`
	Collector  CollectorConfig              `yaml:"collector"`
	Cache      CacheConfig                  `yaml:"cache"`
}

// AppConfig represents application configuration
type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Env     string `yaml:"env"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPath    string `yaml:"prometheus_path"`
}

// CollectorConfig represents market-data collector configuration
type CollectorConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression controlling collection runs.
	Schedule string   `yaml:"schedule"`
	Symbols  []string `yaml:"symbols"`
	// RequestsPerSecond paces calls inside one collection run.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CacheConfig represents the hot-value cache configuration
type CacheConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// Load loads configuration from a YAML file. Environment references in the
// form ${VAR} are expanded before parsing so secrets stay out of the file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "marketd"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Monitoring.PrometheusPath == "" {
		c.Monitoring.PrometheusPath = "/metrics"
	}
	if c.Collector.Schedule == "" {
		c.Collector.Schedule = "@every 1m"
	}
	if c.Collector.RequestsPerSecond == 0 {
		c.Collector.RequestsPerSecond = 5
	}
	if c.Collector.Burst == 0 {
		c.Collector.Burst = 1
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 5 * time.Minute
	}
}
