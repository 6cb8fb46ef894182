package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdSync(args []string) int {
	flags := flag.NewFlagSet("sync", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: sync: %v\n", err)
		return 1
	}

	ctx := context.Background()
	o, err := a.openOwner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: sync: %v\n", err)
		return 1
	}
	rep, err := o.Sync(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: sync: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(rep)
	} else {
		fmt.Printf("accepted=%d merges=%d duplicates=%d rejected=%d head=%s\n",
			rep.Accepted, rep.Merges, rep.Duplicates, len(rep.Rejected), shortID(rep.Head))
		for _, r := range rep.Rejected {
			fmt.Printf("  rejected %s (%s): %s\n", shortID(r.ID), r.Reason, r.Error)
		}
		if rep.Checkpoint != "" {
			fmt.Printf("  wrote %s checkpoint\n", rep.Checkpoint)
		}
		if rep.Compacted {
			fmt.Println("  compacted checkpoints")
		}
	}
	if len(rep.Rejected) > 0 {
		return 2
	}
	return 0
}
