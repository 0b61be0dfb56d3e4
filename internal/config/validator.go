package config

import (
	"fmt"
	"strings"

	"marketd/internal/exchange"
)

// Validate checks the configuration for mistakes a typo or a bad merge would
// introduce, collecting every problem instead of stopping at the first.
func (c *Config) Validate() error {
	var problems []string

	if err := c.validateServer(); err != nil {
		problems = append(problems, fmt.Sprintf("server: %v", err))
	}
	if err := c.validateRedis(); err != nil {
		problems = append(problems, fmt.Sprintf("redis: %v", err))
	}
	if err := c.validateManager(); err != nil {
		problems = append(problems, fmt.Sprintf("manager: %v", err))
	}
	if err := c.validateExchanges(); err != nil {
		problems = append(problems, fmt.Sprintf("exchanges: %v", err))
	}
	if err := c.validateCollector(); err != nil {
		problems = append(problems, fmt.Sprintf("collector: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	return nil
}

func (c *Config) validateRedis() error {
	if !c.Redis.Enabled {
		return nil
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("addr is required when redis is enabled")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("db must not be negative")
	}
	return nil
}

func (c *Config) validateManager() error {
	if c.Manager.Strategy != "" && !exchange.ValidStrategy(c.Manager.Strategy) {
		return fmt.Errorf("unknown strategy %q", c.Manager.Strategy)
	}
	if c.Manager.HealthCheckInterval < 0 {
		return fmt.Errorf("health_check_interval must not be negative")
	}
	if c.Manager.Pool.MaxSize < 0 {
		return fmt.Errorf("pool max_size must not be negative")
	}
	if c.Manager.RateLimit.Distributed && !c.Redis.Enabled {
		return fmt.Errorf("distributed rate limiting requires redis")
	}
	return nil
}

func (c *Config) validateExchanges() error {
	enabled := 0
	for id, opts := range c.Exchanges {
		if opts == nil {
			return fmt.Errorf("%s: options missing", id)
		}
		if !opts.Enabled {
			continue
		}
		enabled++
		if opts.RateLimit < 0 {
			return fmt.Errorf("%s: rate_limit must not be negative", id)
		}
		if opts.Weight < 0 {
			return fmt.Errorf("%s: weight must not be negative", id)
		}
		if opts.Timeout < 0 {
			return fmt.Errorf("%s: timeout must not be negative", id)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one exchange must be enabled")
	}
	return nil
}

func (c *Config) validateCollector() error {
	if !c.Collector.Enabled {
		return nil
	}
	if len(c.Collector.Symbols) == 0 {
		return fmt.Errorf("symbols are required when the collector is enabled")
	}
	if c.Collector.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	return nil
}
