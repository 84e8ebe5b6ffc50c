// Package config loads and validates the client configuration: the shard
// endpoints for each key category, the transport protocol, and the tuning
// knobs of the async engine and the prefetchers.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable consulted when a client is
// constructed without an explicit configuration path. It is read exactly
// once per client construction.
const EnvConfigFile = "STORE_CONFIG_FILE"

// Defaults applied by Normalize.
const (
	DefaultCacheSize = 16
	DefaultBatchSize = 16
)

// Endpoint describes one provider process: its address, provider id, and
// the database ids it hosts. Each database id expands to one shard.
type Endpoint struct {
	Address     string   `yaml:"address"`
	ProviderID  uint16   `yaml:"provider_id"`
	DatabaseIDs []uint64 `yaml:"database_ids"`
}

// Shards lists the endpoints backing each key category.
type Shards struct {
	DataSets []Endpoint `yaml:"datasets"`
	Runs     []Endpoint `yaml:"runs"`
	SubRuns  []Endpoint `yaml:"subruns"`
	Events   []Endpoint `yaml:"events"`
	Products []Endpoint `yaml:"products"`
}

// Transport names the wire protocol used to reach providers.
type Transport struct {
	Protocol string `yaml:"protocol"`
}

// Async configures the engine's worker pool; zero means inline execution.
type Async struct {
	Threads int `yaml:"threads"`
}

// Prefetch configures lookahead iteration.
type Prefetch struct {
	CacheSize int `yaml:"cache_size"`
	BatchSize int `yaml:"batch_size"`
}

// Queue points at the provider hosting named queues. Optional.
type Queue struct {
	Address string `yaml:"address"`
}

// Config is the root of the configuration file.
type Config struct {
	Transport Transport `yaml:"transport"`
	Shards    Shards    `yaml:"shards"`
	Async     Async     `yaml:"async"`
	Prefetch  Prefetch  `yaml:"prefetch"`
	Queue     Queue     `yaml:"queue"`
}

// Load reads and validates a configuration file. An empty path falls back
// to the STORE_CONFIG_FILE environment variable.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigFile)
		if path == "" {
			return nil, fmt.Errorf("config: no path given and %s is not set", EnvConfigFile)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, normalizes and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills unset tuning fields with their defaults.
func (c *Config) Normalize() {
	if c.Transport.Protocol == "" {
		c.Transport.Protocol = "tcp"
	}
	if c.Prefetch.CacheSize <= 0 {
		c.Prefetch.CacheSize = DefaultCacheSize
	}
	if c.Prefetch.BatchSize <= 0 {
		c.Prefetch.BatchSize = DefaultBatchSize
	}
	if c.Async.Threads < 0 {
		c.Async.Threads = 0
	}
}

// Validate checks that every category has at least one shard and that all
// endpoints are well-formed.
func (c *Config) Validate() error {
	for _, cat := range []struct {
		name string
		eps  []Endpoint
	}{
		{"datasets", c.Shards.DataSets},
		{"runs", c.Shards.Runs},
		{"subruns", c.Shards.SubRuns},
		{"events", c.Shards.Events},
		{"products", c.Shards.Products},
	} {
		if len(cat.eps) == 0 {
			return fmt.Errorf("config: no %s endpoints", cat.name)
		}
		for i, ep := range cat.eps {
			if ep.Address == "" {
				return fmt.Errorf("config: %s endpoint %d has no address", cat.name, i)
			}
			if len(ep.DatabaseIDs) == 0 {
				return fmt.Errorf("config: %s endpoint %d has no database ids", cat.name, i)
			}
		}
	}
	return nil
}

// Encode renders the configuration back to YAML, used by the daemon to
// write its connection file.
func (c *Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}
