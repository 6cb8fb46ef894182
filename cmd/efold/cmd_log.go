package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/daviddao/eventfold/pkg/model"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	since := flags.String("since", "", "only events at or after this RFC 3339 time")
	limit := flags.Int("limit", 0, "show at most the newest N events (0 = all)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: log: %v\n", err)
		return 1
	}

	var from time.Time
	if *since != "" {
		t, err := time.Parse(time.RFC3339Nano, *since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "efold: log: bad --since: %v\n", err)
			return 1
		}
		from = t
	}

	tr, err := a.transport()
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: log: %v\n", err)
		return 1
	}
	events, err := tr.GetEventsSince(context.Background(), from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: log: %v\n", err)
		return 1
	}
	if *limit > 0 && len(events) > *limit {
		events = events[len(events)-*limit:]
	}

	if *jsonOut {
		printJSON(events)
		return 0
	}
	for _, e := range events {
		printEvent(e)
	}
	return 0
}

// printEvent prints one log line.
func printEvent(e model.Event) {
	ts := e.EventTimestamp.Format("2006-01-02T15:04:05.000000Z07:00")
	parents := make([]string, len(e.ParentIDs))
	for i, p := range e.ParentIDs {
		parents[i] = shortID(p)
	}
	switch {
	case e.IsRoot:
		fmt.Printf("[%s] %s root\n", ts, shortID(e.ID))
	case e.IsMerge && e.NoOp():
		fmt.Printf("[%s] %s merge <- %s\n", ts, shortID(e.ID), strings.Join(parents, ","))
	case e.IsMerge:
		fmt.Printf("[%s] %s merge %s = %s <- %s\n", ts, shortID(e.ID), e.Path, shortID(e.NewHash), strings.Join(parents, ","))
	default:
		fmt.Printf("[%s] %s %s = %s <- %s\n", ts, shortID(e.ID), e.Path, shortID(e.NewHash), strings.Join(parents, ","))
	}
}
