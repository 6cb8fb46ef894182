package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/daviddao/eventfold/pkg/model"
	"github.com/daviddao/eventfold/pkg/owner"
	"github.com/daviddao/eventfold/pkg/store"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	showFiles := flags.Bool("files", false, "list materialized files")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: status: %v\n", err)
		return 1
	}

	ctx := context.Background()
	o, err := a.openOwner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: status: %v\n", err)
		return 1
	}
	st := o.Status()
	owners, _ := a.tr.Owners(ctx)
	stats, _ := a.tr.Stats(ctx)
	files := o.Files()

	if *jsonOut {
		result := map[string]interface{}{
			"status":    st,
			"owners":    owners,
			"transport": a.tr.Kind(),
		}
		if stats != nil {
			result["store"] = stats
		}
		if *showFiles {
			result["files"] = fileList(files)
		}
		printJSON(result)
		return 0
	}

	printStatus(st, a.tr.Kind(), owners, stats)
	if *showFiles {
		fmt.Println("files:")
		for _, f := range fileList(files) {
			fmt.Printf("  %-40s %s %6d bytes\n", f.Path, shortID(f.Hash), f.Size)
		}
	}
	return 0
}

func printStatus(st owner.Status, kind string, owners []string, stats *store.Stats) {
	fmt.Printf("owner:   %s (%s)\n", st.Owner, kind)
	fmt.Printf("head:    %s\n", st.Head)
	if len(st.Heads) > 1 {
		fmt.Printf("  WARNING: %d heads, DAG not converged\n", len(st.Heads))
	}
	fmt.Printf("events:  %d (root %s)\n", st.Events, shortID(st.Root))
	fmt.Printf("files:   %d\n", st.Files)
	full := "none"
	if st.HasFull {
		full = "present"
	}
	fmt.Printf("checkpoint: full=%s incrementals=%d rolling=%d backlog=%d\n",
		full, st.Incrementals, st.Rolling, st.Backlog)
	if stats != nil {
		fmt.Printf("store:   log=%d outbox=%d inbox=%d\n", stats.Events, stats.Outbox, stats.Inbox)
	}
	if len(owners) > 1 {
		fmt.Printf("owners on medium: %v\n", owners)
	}
}

type fileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int    `json:"size"`
}

// fileList returns files sorted by path.
func fileList(files map[string]model.FileState) []fileInfo {
	out := make([]fileInfo, 0, len(files))
	for path, f := range files {
		out = append(out, fileInfo{Path: path, Hash: f.Hash, Size: len(f.Content)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
