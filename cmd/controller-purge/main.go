// controller-purge drives a PurgeJob to reduce every over-replicated chunk
// of a database family down to numReplicas good copies, per spec.md §6:
// "symmetric reducer."
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"shardctl/internal/cmdutil"
	"shardctl/internal/job"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("controller-purge", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the controller's JSON config file")
	enabledOnly := fs.Bool("enabled-only", true, "only dispatch to workers with Enabled=true")
	if err := fs.Parse(args); err != nil {
		return cmdutil.ExitArgsOrConfig
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: controller-purge <database> <numReplicas> [--config=path] [--enabled-only]")
		return cmdutil.ExitArgsOrConfig
	}
	database := fs.Arg(0)
	numReplicas, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, "numReplicas must be an integer:", err)
		return cmdutil.ExitArgsOrConfig
	}

	env, err := cmdutil.Boot(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cmdutil.ExitArgsOrConfig
	}
	defer env.Close()

	fam, ok := env.Config.Family(database)
	if !ok {
		fmt.Fprintf(os.Stderr, "database %q is not a member of any configured family\n", database)
		return cmdutil.ExitArgsOrConfig
	}

	workers := env.Config.AllWorkers()
	if *enabledOnly {
		workers = env.Config.EnabledWorkers()
	}

	j := job.NewPurgeJob(fmt.Sprintf("cli-%d", time.Now().UnixNano()), 0, fam, workers, numReplicas, env.JobDeps())

	ctx, cancel := context.WithTimeout(context.Background(), env.Config.RequestDefaultTimeout)
	defer cancel()
	j.Start(ctx)
	if err := j.Wait(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "timed out waiting for PurgeJob:", err)
		return cmdutil.ExitRuntime
	}

	_, ext := j.State()
	children := j.Children()
	fmt.Printf("=== purge %s to %d replicas: dispatched %d delete(s) ===\n", database, numReplicas, len(children))
	for _, c := range children {
		_, cext := c.State()
		fmt.Printf("chunk delete job %s: %s\n", c.ID, cext)
	}

	switch ext {
	case job.ExtConfigError:
		return cmdutil.ExitArgsOrConfig
	case job.ExtSuccess:
		return cmdutil.ExitOK
	default:
		return cmdutil.ExitPartialSuccess
	}
}
