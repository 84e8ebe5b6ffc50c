// hepstore-shutdown asks every provider named in a store configuration to
// exit. It exits 0 once all providers acknowledged.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/openhep/hepstore/config"
	"github.com/openhep/hepstore/sharddb/remotedb"
)

func main() {
	app := &cli.App{
		Name:      "hepstore-shutdown",
		Usage:     "signal the providers of an event store to exit",
		ArgsUsage: "<config>",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: hepstore-shutdown <config>", 1)
	}
	cfg, err := config.Load(c.Args().First())
	if err != nil {
		return err
	}
	for _, addr := range collectAddresses(cfg) {
		if err := remotedb.Shutdown(addr); err != nil {
			return fmt.Errorf("shutting down %s: %w", addr, err)
		}
		fmt.Printf("provider %s stopped\n", addr)
	}
	return nil
}

// collectAddresses deduplicates the provider addresses of every category
// and the queue service.
func collectAddresses(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, eps := range [][]config.Endpoint{
		cfg.Shards.DataSets, cfg.Shards.Runs, cfg.Shards.SubRuns,
		cfg.Shards.Events, cfg.Shards.Products,
	} {
		for _, ep := range eps {
			add(ep.Address)
		}
	}
	add(cfg.Queue.Address)
	return out
}
