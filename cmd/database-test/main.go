// database-test inspects internal/services.Store directly, bypassing the
// Job/Request machinery, per spec.md §6: "inspects DatabaseServices
// directly."
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"shardctl/internal/cmdutil"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("database-test", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the controller's JSON config file")
	enabledOnly := fs.Bool("enabled-only", false, "restrict FIND_REPLICAS to enabled workers")
	if err := fs.Parse(args); err != nil {
		return cmdutil.ExitArgsOrConfig
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: database-test <operation> [args...]")
		fmt.Fprintln(os.Stderr, "operations: CONFIGURATION, FIND_OLDEST_REPLICAS <database> <limit>,")
		fmt.Fprintln(os.Stderr, "  FIND_REPLICAS <database> <chunk>, FIND_WORKER_REPLICAS <worker> <database>,")
		fmt.Fprintln(os.Stderr, "  FIND_WORKER_REPLICAS_COUNT <worker> <database>")
		return cmdutil.ExitArgsOrConfig
	}
	op := fs.Arg(0)
	opArgs := fs.Args()[1:]

	env, err := cmdutil.Boot(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return cmdutil.ExitArgsOrConfig
	}
	defer env.Close()

	ctx := context.Background()

	switch op {
	case "CONFIGURATION":
		return runConfiguration(env)
	case "FIND_OLDEST_REPLICAS":
		return runFindOldestReplicas(ctx, env, opArgs)
	case "FIND_REPLICAS":
		return runFindReplicas(ctx, env, opArgs, *enabledOnly)
	case "FIND_WORKER_REPLICAS":
		return runFindWorkerReplicas(ctx, env, opArgs)
	case "FIND_WORKER_REPLICAS_COUNT":
		return runNumWorkerReplicas(ctx, env, opArgs)
	default:
		fmt.Fprintf(os.Stderr, "unknown operation %q\n", op)
		return cmdutil.ExitArgsOrConfig
	}
}

func runConfiguration(env *cmdutil.Env) int {
	fmt.Printf("controllerHost: %s\n", env.Config.ControllerHost)
	fmt.Println("workers:")
	for _, w := range env.Config.Workers {
		fmt.Printf("  %-20s svc=%s:%d filesvc=%s:%d enabled=%t\n", w.Name, w.SvcHost, w.SvcPort, w.FileSvcHost, w.FileSvcPort, w.Enabled)
	}
	fmt.Println("database families:")
	for _, f := range env.Config.DatabaseFamilies {
		fmt.Printf("  %-20s databases=%v replicationLevel=%d stripes=%d/%d\n", f.Name, f.Databases, f.ReplicationLevel, f.NumStripes, f.NumSubStripes)
	}
	return cmdutil.ExitOK
}

func runFindOldestReplicas(ctx context.Context, env *cmdutil.Env, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: database-test FIND_OLDEST_REPLICAS <database> <limit>")
		return cmdutil.ExitArgsOrConfig
	}
	limit, err := strconv.Atoi(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "limit must be an integer:", err)
		return cmdutil.ExitArgsOrConfig
	}
	replicas, err := env.Store.FindOldestReplicas(ctx, args[0], limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find oldest replicas:", err)
		return cmdutil.ExitRuntime
	}
	for _, r := range replicas {
		fmt.Printf("%-20s chunk=%-8d status=%-10s verifyTime=%d\n", r.Worker, r.Chunk, r.Status, r.VerifyTime)
	}
	return cmdutil.ExitOK
}

func runFindReplicas(ctx context.Context, env *cmdutil.Env, args []string, enabledOnly bool) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: database-test FIND_REPLICAS <database> <chunk>")
		return cmdutil.ExitArgsOrConfig
	}
	chunk, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Fprintln(os.Stderr, "chunk must be an unsigned integer:", err)
		return cmdutil.ExitArgsOrConfig
	}
	replicas, err := env.Store.FindReplicas(ctx, args[0], uint32(chunk), enabledOnly)
	if err != nil {
		fmt.Fprintln(os.Stderr, "find replicas:", err)
		return cmdutil.ExitRuntime
	}
	for _, r := range replicas {
		fmt.Printf("%-20s status=%-10s verifyTime=%d\n", r.Worker, r.Status, r.VerifyTime)
	}
	return cmdutil.ExitOK
}

func runFindWorkerReplicas(ctx context.Context, env *cmdutil.Env, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: database-test FIND_WORKER_REPLICAS <worker> <database>")
		return cmdutil.ExitArgsOrConfig
	}
	replicas, err := env.Store.FindWorkerReplicas(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "find worker replicas:", err)
		return cmdutil.ExitRuntime
	}
	for _, r := range replicas {
		fmt.Printf("chunk=%-8d status=%-10s verifyTime=%d\n", r.Chunk, r.Status, r.VerifyTime)
	}
	return cmdutil.ExitOK
}

func runNumWorkerReplicas(ctx context.Context, env *cmdutil.Env, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: database-test FIND_WORKER_REPLICAS_COUNT <worker> <database>")
		return cmdutil.ExitArgsOrConfig
	}
	n, err := env.Store.NumWorkerReplicas(ctx, args[0], args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "count worker replicas:", err)
		return cmdutil.ExitRuntime
	}
	fmt.Println(n)
	return cmdutil.ExitOK
}
