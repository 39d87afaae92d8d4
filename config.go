package cacheengine

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunexa/cache-engine/cache"
)

// Config is the engine configuration. It can be populated programmatically,
// loaded from a YAML file, or both; environment variables override the
// connection-related fields so deployments can keep credentials out of the
// file.
type Config struct {
	// DefaultTTLSeconds applies to set operations without an explicit TTL
	// and to read-through backfills.
	DefaultTTLSeconds int `yaml:"defaultTTLSeconds"`
	// Compression enables value compression on the remote tier.
	Compression bool `yaml:"compression"`

	Memory MemorySettings `yaml:"memory"`
	Remote RemoteSettings `yaml:"remote"`

	// Persistent is the optional third tier. The engine only ever talks to
	// it through the cache.Tier interface; no implementation ships here.
	Persistent cache.Tier `yaml:"-"`
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger `yaml:"-"`
}

// MemorySettings bounds the in-process tier.
type MemorySettings struct {
	MaxBytes int `yaml:"maxBytes"`
	MaxItems int `yaml:"maxItems"`
	// Eviction selects the policy: lru (default), lfu or ttl.
	Eviction             string `yaml:"eviction"`
	SweepIntervalSeconds int    `yaml:"sweepIntervalSeconds"`
}

// RemoteSettings configures the networked tier. An empty address list
// disables the tier entirely.
type RemoteSettings struct {
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	Namespace string   `yaml:"namespace"`

	DialTimeoutSeconds int `yaml:"dialTimeoutSeconds"`
	OpTimeoutMillis    int `yaml:"opTimeoutMillis"`

	HealthIntervalSeconds  int `yaml:"healthIntervalSeconds"`
	HealthFailureThreshold int `yaml:"healthFailureThreshold"`
	HealthSuccessThreshold int `yaml:"healthSuccessThreshold"`

	ReconnectInitialDelayMillis int     `yaml:"reconnectInitialDelayMillis"`
	ReconnectMultiplier         float64 `yaml:"reconnectMultiplier"`
	ReconnectMaxDelaySeconds    int     `yaml:"reconnectMaxDelaySeconds"`
	ReconnectMaxAttempts        int     `yaml:"reconnectMaxAttempts"`
}

// LoadConfig reads a YAML config file and applies environment overrides.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, err
	}
	config.ApplyEnv()
	return config, nil
}

// ApplyEnv overrides connection settings from the environment:
// REDIS_ADDRS (comma-separated), REDIS_PASSWORD, REDIS_DB, CACHE_NAMESPACE.
func (c *Config) ApplyEnv() {
	if addrs := os.Getenv("REDIS_ADDRS"); addrs != "" {
		c.Remote.Addrs = strings.Split(addrs, ",")
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Remote.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Remote.DB = n
		}
	}
	if namespace := os.Getenv("CACHE_NAMESPACE"); namespace != "" {
		c.Remote.Namespace = namespace
	}
}

// Validate rejects configurations that indicate a programming error rather
// than an environmental condition.
func (c *Config) Validate() error {
	if c.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: negative default ttl %d", c.DefaultTTLSeconds)
	}
	if c.Memory.MaxBytes < 0 || c.Memory.MaxItems < 0 {
		return fmt.Errorf("config: negative memory budget")
	}
	return nil
}

func (c *Config) defaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}
