package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file into the process environment when one exists.
// A missing file is not an error: production deployments set real env vars.
func LoadEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// EnvReader reads typed values from prefixed environment variables.
type EnvReader struct {
	prefix string
}

// NewEnvReader creates a reader with the given prefix, e.g. "MARKETD_".
func NewEnvReader(prefix string) *EnvReader {
	if prefix == "" {
		prefix = "MARKETD_"
	}
	return &EnvReader{prefix: prefix}
}

// GetString gets a string environment variable
func (r *EnvReader) GetString(key, defaultValue string) string {
	value := os.Getenv(r.prefix + strings.ToUpper(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// GetInt gets an integer environment variable
func (r *EnvReader) GetInt(key string, defaultValue int) int {
	value := r.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (r *EnvReader) GetBool(key string, defaultValue bool) bool {
	value := r.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if boolValue, err := strconv.ParseBool(value); err == nil {
		return boolValue
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (r *EnvReader) GetDuration(key string, defaultValue time.Duration) time.Duration {
	value := r.GetString(key, "")
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

// ApplyOverrides lets deployment environments override the file-based config
// without editing it.
func (c *Config) ApplyOverrides(r *EnvReader) {
	c.Server.Host = r.GetString("SERVER_HOST", c.Server.Host)
	c.Server.Port = r.GetInt("SERVER_PORT", c.Server.Port)
	c.Redis.Addr = r.GetString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = r.GetString("REDIS_PASSWORD", c.Redis.Password)
	c.Logging.Level = r.GetString("LOG_LEVEL", c.Logging.Level)

	for id, opts := range c.Exchanges {
		upper := strings.ToUpper(id)
		opts.APIKey = r.GetString(upper+"_API_KEY", opts.APIKey)
		opts.APISecret = r.GetString(upper+"_API_SECRET", opts.APISecret)
		opts.Passphrase = r.GetString(upper+"_PASSPHRASE", opts.Passphrase)
	}
}
