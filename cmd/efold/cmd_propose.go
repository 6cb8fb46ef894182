package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/eventfold/pkg/model"
)

func (a *app) cmdPropose(args []string) int {
	flags := flag.NewFlagSet("propose", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	file := flags.String("file", "", "read the new content from this file")
	content := flags.String("content", "", "new content")
	parent := flags.String("parent", "", "anchor on this event instead of the watcher head")
	oldHash := flags.String("old-hash", "", "hash of the path at --parent")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "efold: propose: usage: efold propose <path> [--file F | --content S]")
		return 1
	}
	path := flags.Arg(0)
	if *file != "" && *content != "" {
		fmt.Fprintln(os.Stderr, "efold: propose: --file and --content are exclusive")
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: propose: %v\n", err)
		return 1
	}

	data := []byte(*content)
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "efold: propose: %v\n", err)
			return 1
		}
		data = b
	}

	s, err := a.newSubmitter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: propose: %v\n", err)
		return 1
	}
	ctx := context.Background()
	var p model.ProposedChange
	if *parent != "" {
		p, err = s.ProposeAt(ctx, path, data, *parent, *oldHash)
	} else {
		p, err = s.Propose(ctx, path, data)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: propose: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(p)
		return 0
	}
	fmt.Printf("proposed %s: %s (%d bytes) on %s\n", shortID(p.ID), p.Path, len(p.Content), shortID(p.ParentID))
	return 0
}
