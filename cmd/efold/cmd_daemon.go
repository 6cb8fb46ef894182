package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func (a *app) cmdDaemon(args []string) int {
	flags := flag.NewFlagSet("daemon", flag.ContinueOnError)
	ownerFlag := flags.String("owner", "", "owner id")
	interval := flags.Int("interval", 0, "poll interval in seconds (default from config)")
	listen := flags.String("metrics", "", "serve Prometheus metrics on this address")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if _, err := a.resolveOwner(*ownerFlag); err != nil {
		fmt.Fprintf(os.Stderr, "efold: daemon: %v\n", err)
		return 1
	}
	if *interval > 0 {
		a.cfg.Daemon.IntervalSec = *interval
	}
	if *listen != "" {
		a.cfg.Metrics.Enabled = true
		a.cfg.Metrics.Listen = *listen
	}

	// Handle ctrl-c gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o, err := a.openOwner(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: daemon: %v\n", err)
		return 1
	}

	var wake <-chan struct{}
	if a.cfg.Daemon.WatchInbox {
		wake, err = a.tr.Wake(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "efold: daemon: inbox watch: %v\n", err)
			return 1
		}
	}

	var srv *http.Server
	if a.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("metrics server failed", "addr", srv.Addr, "err", err)
			}
		}()
	}

	fmt.Fprintf(os.Stderr, "owner %s syncing every %s (ctrl-c to stop)\n", a.cfg.Owner, a.cfg.Interval())
	err = o.Run(ctx, a.cfg.Interval(), wake)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "efold: daemon: %v\n", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "\nstopped")
	return 0
}
