package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdCheckpoint(args []string) int {
	flags := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	threshold := flags.Int("threshold", 0, "write an incremental once N events are buffered (0 = full checkpoint now)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: checkpoint: %v\n", err)
		return 1
	}

	ctx := context.Background()
	o, err := a.openOwner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: checkpoint: %v\n", err)
		return 1
	}

	kind := "full"
	written := true
	if *threshold > 0 {
		kind = "incremental"
		written, err = o.TryCreateCheckpoint(ctx, *threshold)
	} else {
		err = o.CreateCheckpoint(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: checkpoint: %v\n", err)
		return 1
	}

	st := o.Status()
	if *jsonOut {
		printJSON(map[string]interface{}{
			"written":      written,
			"requested":    kind,
			"head":         st.Head,
			"incrementals": st.Incrementals,
			"rolling":      st.Rolling,
		})
		return 0
	}
	if !written {
		fmt.Printf("nothing to checkpoint (%d buffered, threshold %d)\n", st.Rolling, *threshold)
		return 0
	}
	fmt.Printf("checkpoint written at %s (incrementals=%d)\n", shortID(st.Head), st.Incrementals)
	return 0
}

func (a *app) cmdCompact(args []string) int {
	flags := flag.NewFlagSet("compact", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: compact: %v\n", err)
		return 1
	}

	ctx := context.Background()
	o, err := a.openOwner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: compact: %v\n", err)
		return 1
	}
	compacted, err := o.CompactCheckpoints(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: compact: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]bool{"compacted": compacted})
		return 0
	}
	if compacted {
		fmt.Println("incrementals folded into the full checkpoint")
	} else {
		fmt.Println("no incrementals to compact")
	}
	return 0
}
