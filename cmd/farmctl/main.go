// farmctl is a small operator CLI for the dispatcher's management API:
// inspect workers and jobs, follow log tails, and confirm asynchronous
// worker resets.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vyvo/buildfarm/pkg/api"
)

func main() {
	addr := flag.String("addr", getEnv("FARMCTL_ADDR", "http://localhost:8086"), "dispatcher API address")
	key := flag.String("key", os.Getenv("FARMCTL_API_KEY"), "API key for mutating calls")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := api.NewClient(*addr, *key)
	if err := run(ctx, client, args); err != nil {
		fmt.Fprintln(os.Stderr, "farmctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *api.Client, args []string) error {
	command := args[0]
	rest := args[1:]

	switch command {
	case "workers":
		workers, err := client.ListWorkers(ctx)
		if err != nil {
			return err
		}
		for _, w := range workers {
			health := "ok"
			if !w.OK {
				health = "FAILED"
			}
			fmt.Printf("%-20s %-8s %-9s %s\n", w.Name, health, w.CleanStatus, w.URL)
		}
		return nil
	case "worker":
		if len(rest) != 1 {
			return fmt.Errorf("usage: farmctl worker <name>")
		}
		worker, err := client.GetWorker(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(worker)
	case "events":
		if len(rest) != 1 {
			return fmt.Errorf("usage: farmctl events <name>")
		}
		events, err := client.WorkerEvents(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("%s  %-10s %s\n", e.CreatedAt.Format(time.RFC3339), e.State, e.Message)
		}
		return nil
	case "confirm-clean":
		if len(rest) != 1 {
			return fmt.Errorf("usage: farmctl confirm-clean <name>")
		}
		if err := client.ConfirmClean(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Printf("%s is clean\n", rest[0])
		return nil
	case "job":
		if len(rest) != 1 {
			return fmt.Errorf("usage: farmctl job <id>")
		}
		job, err := client.GetJob(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	case "logtail":
		if len(rest) != 1 {
			return fmt.Errorf("usage: farmctl logtail <id>")
		}
		tail, err := client.LogTail(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Println(tail)
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: farmctl [-addr URL] [-key KEY] <command>

commands:
  workers                list workers and their state
  worker <name>          show one worker record
  events <name>          show a worker's lifecycle events
  confirm-clean <name>   confirm an asynchronous reset finished
  job <id>               show one build job record
  logtail <id>           print the latest build log tail`)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
