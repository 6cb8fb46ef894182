package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	kind := flags.String("transport", "", "transport type: sqlite or dir")
	path := flags.String("path", "", "database file or shared directory")
	force := flags.Bool("force", false, "overwrite an existing config file")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	ownerID, err := a.resolveOwner(*ownerFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: init: %v\n", err)
		return 1
	}
	if *kind != "" {
		a.cfg.Transport.Type = *kind
	}
	if *path != "" {
		a.cfg.Transport.Path = *path
	}

	wrote := false
	if _, err := os.Stat(a.cfgPath); os.IsNotExist(err) || *force {
		if err := a.cfg.Save(a.cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "efold: init: %v\n", err)
			return 1
		}
		wrote = true
	}

	o, err := a.openOwner(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: init: %v\n", err)
		return 1
	}
	head := o.GetCurrentHead()

	if *jsonOut {
		printJSON(map[string]interface{}{
			"owner":     ownerID,
			"config":    a.cfgPath,
			"wrote":     wrote,
			"transport": a.cfg.Transport,
			"head":      head.ID,
			"events":    o.Status().Events,
		})
		return 0
	}
	if wrote {
		fmt.Printf("wrote %s\n", a.cfgPath)
	} else {
		fmt.Printf("kept existing %s (use --force to overwrite)\n", a.cfgPath)
	}
	fmt.Printf("initialized owner %s on %s (%s)\n", ownerID, a.cfg.Transport.Type, a.cfg.Transport.Path)
	fmt.Printf("  head: %s\n", head.ID)
	return 0
}
