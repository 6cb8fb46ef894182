// Command efold is the eventfold CLI: run an owner, submit changes to one,
// and inspect its history and checkpoints.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("efold", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	os.Exit(a.run(os.Args[1], os.Args[2:]))
}

// run dispatches one subcommand and returns its exit code.
func (a *app) run(cmd string, args []string) int {
	switch cmd {
	// Setup
	case "init":
		return a.cmdInit(args)

	// Submitter side
	case "propose":
		return a.cmdPropose(args)
	case "head":
		return a.cmdHead(args)

	// Owner side
	case "sync":
		return a.cmdSync(args)
	case "daemon":
		return a.cmdDaemon(args)
	case "checkpoint":
		return a.cmdCheckpoint(args)
	case "compact":
		return a.cmdCompact(args)

	// Inspection
	case "status":
		return a.cmdStatus(args)
	case "log":
		return a.cmdLog(args)

	default:
		fmt.Fprintf(os.Stderr, "efold: unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'efold --help' for usage.")
		return 1
	}
}

func printUsage() {
	fmt.Print(`efold: event-sourced file history between an owner and its submitters

One owner merges proposals into a causal event DAG. Submitters propose
changes against the newest head they know of. Everything travels through a
shared medium: a SQLite file or a synced directory.

Usage:
  efold <command> [flags]

Setup:
  init [--owner ID]             Write a config file and create the owner history

Submitter:
  propose <path> [--file F | --content S]
                                Propose new content for a path
  head                          Show the newest head visible in the outbox

Owner:
  sync                          Drain the inbox once and publish the results
  daemon [--interval N]         Sync continuously; serve /metrics if enabled
  checkpoint [--threshold N]    Write a full checkpoint, or an incremental once
                                N events are buffered
  compact                       Fold incremental checkpoints into the full one

Inspection:
  status                        Owner head, DAG size, checkpoint state
  log [--since T] [--limit N]   List accepted events from the log

Environment:
  EFOLD_CONFIG      Config file path (default: .eventfold/config.toml)
  EFOLD_OWNER       Owner id (overrides the config file)

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
  2  sync rejected one or more proposals
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "efold: "+format+"\n", args...)
	os.Exit(1)
}
