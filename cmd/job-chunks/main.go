// job-chunks launches a FindAllJob over a whole database family and
// reports its merged chunk/replica disposition, per spec.md §6: "launch
// the named job and report."
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"shardctl/internal/cmdutil"
	"shardctl/internal/job"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("job-chunks", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the controller's JSON config file")
	saveReplicaInfo := fs.Bool("save-replica-info", true, "resync the replica catalog from FindAll results")
	enabledOnly := fs.Bool("enabled-only", true, "only dispatch to workers with Enabled=true")
	if err := fs.Parse(args); err != nil {
		return cmdutil.ExitArgsOrConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: job-chunks <databaseFamily> [--config=path] [--save-replica-info] [--enabled-only]")
		return cmdutil.ExitArgsOrConfig
	}
	familyName := fs.Arg(0)

	env, err := cmdutil.Boot(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cmdutil.ExitArgsOrConfig
	}
	defer env.Close()

	fam, ok := env.Config.Family(familyName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown database family %q\n", familyName)
		return cmdutil.ExitArgsOrConfig
	}
	workers := env.Config.AllWorkers()
	if *enabledOnly {
		workers = env.Config.EnabledWorkers()
	}

	j := job.NewFindAllJob(fmt.Sprintf("cli-%d", time.Now().UnixNano()), 0, fam, workers, *saveReplicaInfo, env.JobDeps())

	ctx, cancel := context.WithTimeout(context.Background(), env.Config.RequestDefaultTimeout)
	defer cancel()
	j.Start(ctx)
	if err := j.Wait(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "timed out waiting for FindAllJob:", err)
		return cmdutil.ExitRuntime
	}

	_, ext := j.State()
	result := j.Result()

	var chunks []uint32
	for c := range result.Databases {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, k int) bool { return chunks[i] < chunks[k] })

	fmt.Printf("=== family %s: %d chunk(s) ===\n", familyName, len(chunks))
	fmt.Printf("%-10s %-10s\n", "chunk", "good workers")
	for _, c := range chunks {
		good := 0
		for _, ok := range result.IsGood[c] {
			if ok {
				good++
			}
		}
		fmt.Printf("%-10d %-10d\n", c, good)
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
