package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DaemonConfig configures a provider daemon: where it listens, which
// provider id it serves, and how many databases to host per category.
type DaemonConfig struct {
	Daemon struct {
		Listen     string `yaml:"listen"`
		ProviderID uint16 `yaml:"provider_id"`
		// DataDir holds one LevelDB per database; empty keeps all
		// databases in memory.
		DataDir   string `yaml:"data_dir"`
		Databases struct {
			DataSets int `yaml:"datasets"`
			Runs     int `yaml:"runs"`
			SubRuns  int `yaml:"subruns"`
			Events   int `yaml:"events"`
			Products int `yaml:"products"`
		} `yaml:"databases"`
	} `yaml:"daemon"`
}

// LoadDaemon reads and validates a daemon configuration file.
func LoadDaemon(path string) (*DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c DaemonConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	d := &c.Daemon
	if d.Listen == "" {
		d.Listen = "127.0.0.1:9900"
	}
	for _, n := range []*int{
		&d.Databases.DataSets, &d.Databases.Runs, &d.Databases.SubRuns,
		&d.Databases.Events, &d.Databases.Products,
	} {
		if *n <= 0 {
			*n = 1
		}
	}
	return &c, nil
}

// ConnectionFile renders the client configuration describing this daemon:
// one endpoint per category, with the database ids assigned in category
// order. The ids returned per category match what the daemon hosts.
func (c *DaemonConfig) ConnectionFile(address string) (*Config, map[string][]uint64) {
	d := &c.Daemon
	ids := make(map[string][]uint64)
	next := uint64(1)
	alloc := func(name string, n int) []Endpoint {
		var dbIDs []uint64
		for i := 0; i < n; i++ {
			dbIDs = append(dbIDs, next)
			next++
		}
		ids[name] = dbIDs
		return []Endpoint{{Address: address, ProviderID: d.ProviderID, DatabaseIDs: dbIDs}}
	}
	out := &Config{}
	out.Transport.Protocol = "tcp"
	out.Shards.DataSets = alloc("datasets", d.Databases.DataSets)
	out.Shards.Runs = alloc("runs", d.Databases.Runs)
	out.Shards.SubRuns = alloc("subruns", d.Databases.SubRuns)
	out.Shards.Events = alloc("events", d.Databases.Events)
	out.Shards.Products = alloc("products", d.Databases.Products)
	out.Queue.Address = address
	out.Normalize()
	return out, ids
}
