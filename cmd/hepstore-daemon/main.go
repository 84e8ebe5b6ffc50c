// hepstore-daemon runs a provider process: a set of key-value databases
// and a queue registry served over HTTP. On startup it writes a connection
// file (client configuration schema, one endpoint per category) so that
// clients and job scripts can find it.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/openhep/hepstore/config"
	"github.com/openhep/hepstore/provider"
	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/sharddb/leveldbshard"
)

func main() {
	app := &cli.App{
		Name:      "hepstore-daemon",
		Usage:     "run a key-value provider for the event store",
		ArgsUsage: "<config> <out-conn-file>",
		Action:    run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: hepstore-daemon <config> <out-conn-file>", 1)
	}
	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	log := zl.Sugar()
	defer log.Sync()

	cfg, err := config.LoadDaemon(c.Args().Get(0))
	if err != nil {
		return err
	}
	connFile := c.Args().Get(1)

	lis, err := net.Listen("tcp", cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Daemon.Listen, err)
	}
	address := lis.Addr().String()

	connCfg, ids := cfg.ConnectionFile(address)
	dbs, err := openDatabases(cfg, ids)
	if err != nil {
		return err
	}
	defer func() {
		for _, db := range dbs {
			db.Close()
		}
	}()

	srv := provider.New(cfg.Daemon.ProviderID, dbs)
	srv.SetLogger(log)

	data, err := connCfg.Encode()
	if err != nil {
		return err
	}
	if err := os.WriteFile(connFile, data, 0o644); err != nil {
		return fmt.Errorf("writing connection file: %w", err)
	}
	log.Infow("Provider up", "address", address, "databases", len(dbs), "connFile", connFile)

	httpSrv := &http.Server{Handler: srv.Handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Infow("Stopping on signal", "signal", sig)
	case <-srv.ShutdownRequested():
		log.Infow("Stopping on remote shutdown request")
	case err := <-errCh:
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// openDatabases creates one shard per assigned database id, LevelDB-backed
// when a data directory is configured and in-memory otherwise.
func openDatabases(cfg *config.DaemonConfig, ids map[string][]uint64) (map[uint64]sharddb.Shard, error) {
	out := make(map[uint64]sharddb.Shard)
	for category, dbIDs := range ids {
		for _, id := range dbIDs {
			var (
				shard sharddb.Shard
				err   error
			)
			if dir := cfg.Daemon.DataDir; dir != "" {
				path := filepath.Join(dir, fmt.Sprintf("%s-%d", category, id))
				shard, err = leveldbshard.Open(path)
			} else {
				shard, err = leveldbshard.OpenInMemory()
			}
			if err != nil {
				for _, db := range out {
					db.Close()
				}
				return nil, err
			}
			out[id] = shard
		}
	}
	return out, nil
}
