package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/baseline-engine/cmd/baselinectl/cli"
	"github.com/odyssey-erp/baseline-engine/jobs"
)

const usage = `usage: baselinectl <command> [flags]

commands:
  enqueue   queue a recalculation run for a client
  queue     print the default queue statistics`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	redisOpts := asynq.RedisClientOpt{Addr: redisAddr}

	switch args[0] {
	case "enqueue":
		fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
		opts := cli.EnqueueOptions{}
		fs.StringVar(&opts.ClientID, "client", "", "client id")
		fs.StringVar(&opts.Periods, "periods", "", "comma separated YYYY-MM periods, ascending")
		fs.StringVar(&opts.Actor, "actor", "", "actor recorded in the audit log")
		fs.DurationVar(&opts.Timeout, "timeout", 60*time.Second, "run timeout")
		fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		client, err := jobs.NewClient(redisOpts)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			return 1
		}
		defer func() { _ = client.Close() }()
		return cli.NewRecalcCLI(client, nil).EnqueueCommand(ctx, opts)
	case "queue":
		inspector := asynq.NewInspector(redisOpts)
		defer func() { _ = inspector.Close() }()
		stats, err := cli.NewRecalcCLI(nil, inspector).InspectQueue()
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "queue: %v\n", err)
			return 1
		}
		if err := json.NewEncoder(os.Stdout).Encode(stats); err != nil {
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintln(os.Stderr, usage)
		return 2
	}
}
