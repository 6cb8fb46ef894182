package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdHead(args []string) int {
	flags := flag.NewFlagSet("head", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: head: %v\n", err)
		return 1
	}

	s, err := a.newSubmitter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: head: %v\n", err)
		return 1
	}
	head, err := s.GetCurrentHead(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: head: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(head)
		return 0
	}
	fmt.Printf("%s %s\n", head.ID, head.EventTimestamp.Format("2006-01-02T15:04:05.000000000Z07:00"))
	return 0
}
