// job-move launches a MoveReplicaJob for one chunk, per spec.md §6:
// "launch the named job and report."
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
	fs := flag.NewFlagSet("job-move", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the controller's JSON config file")
	purge := fs.Bool("purge", false, "delete the source replica once the destination copy succeeds")
	if err := fs.Parse(args); err != nil {
		return cmdutil.ExitArgsOrConfig
	}
	if fs.NArg() != 4 {
		fmt.Fprintln(os.Stderr, "usage: job-move <databaseFamily> <chunk> <sourceWorker> <destinationWorker> [--purge]")
		return cmdutil.ExitArgsOrConfig
	}
	familyName := fs.Arg(0)
	chunk64, err := strconv.ParseUint(fs.Arg(1), 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chunk must be an unsigned integer:", err)
		return cmdutil.ExitArgsOrConfig
	}
	sourceWorker := fs.Arg(2)
	destWorker := fs.Arg(3)

	env, err := cmdutil.Boot(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cmdutil.ExitArgsOrConfig
	}
	defer env.Close()

	fam, knownFamily := env.Config.Family(familyName)
	src, srcOK := env.Config.Worker(sourceWorker)
	dst, dstOK := env.Config.Worker(destWorker)

	j := job.NewMoveReplicaJob(
		fmt.Sprintf("cli-%d", time.Now().UnixNano()), 0, familyName, fam.Databases, uint32(chunk64),
		sourceWorker, destWorker, *purge,
		knownFamily, srcOK && src.Enabled, dstOK && dst.Enabled,
		env.JobDeps(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), env.Config.RequestDefaultTimeout)
	defer cancel()
	j.Start(ctx)
	if err := j.Wait(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "timed out waiting for MoveReplicaJob:", err)
		return cmdutil.ExitRuntime
	}

	_, ext := j.State()
	fmt.Printf("=== move chunk %d: %s -> %s (purge=%t): %s ===\n", chunk64, sourceWorker, destWorker, *purge, ext)
	for db, info := range j.CreateResult().ByDatabase {
		fmt.Printf("create %-20s %s\n", db, info.Status)
	}
	if *purge {
		for db, info := range j.DeleteResult().ByDatabase {
			fmt.Printf("delete %-20s %s\n", db, info.Status)
		}
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
