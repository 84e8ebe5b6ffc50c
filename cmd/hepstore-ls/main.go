// hepstore-ls tree-prints the datasets, runs, subruns and events reachable
// through a store configuration. It exits 0 on success and 2 when the
// providers cannot be reached.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/openhep/hepstore/keys"
	"github.com/openhep/hepstore/sharddb"
	"github.com/openhep/hepstore/store"
)

const exitConnFailure = 2

func main() {
	app := &cli.App{
		Name:      "hepstore-ls",
		Usage:     "print the content tree of an event store",
		ArgsUsage: "<config>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: hepstore-ls <config>", 1)
	}
	if c.Bool("verbose") {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		store.SetLogger(log.Sugar())
	}
	ds, err := store.Open(c.Args().First())
	if err != nil {
		return asExit(err)
	}
	defer ds.Close()

	if err := printDataSets(ds.Root(), ""); err != nil {
		return asExit(err)
	}
	return nil
}

// asExit maps transport failures to the documented exit code.
func asExit(err error) error {
	if errors.Is(err, sharddb.ErrTransient) {
		return cli.Exit(fmt.Sprintf("connection failure: %v", err), exitConnFailure)
	}
	return cli.Exit(err.Error(), 1)
}

func printDataSets(parent store.DataSet, indent string) error {
	it := parent.DataSets()
	for it.Next() {
		child := it.DataSet()
		fmt.Printf("%s%s/ (%s)\n", indent, child.Name(), child.UUID())
		if err := printRuns(child, indent+"  "); err != nil {
			return err
		}
		if err := printDataSets(child, indent+"  "); err != nil {
			return err
		}
	}
	return it.Err()
}

func printRuns(ds store.DataSet, indent string) error {
	runs := ds.Runs().Begin()
	for runs.Next() {
		run := runs.Run()
		fmt.Printf("%srun %d\n", indent, uint64(run.Number()))
		subruns := run.SubRuns().Begin()
		for subruns.Next() {
			sr := subruns.SubRun()
			fmt.Printf("%s  subrun %d\n", indent, uint64(sr.Number()))
			events := sr.Events().Begin()
			var nums []keys.EventNumber
			for events.Next() {
				nums = append(nums, events.Event().Number())
			}
			if err := events.Err(); err != nil {
				return err
			}
			if len(nums) > 0 {
				fmt.Printf("%s    events %v\n", indent, nums)
			}
		}
		if err := subruns.Err(); err != nil {
			return err
		}
	}
	return runs.Err()
}
