package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/germanamz/panelsync/pkg/engine"
	"github.com/germanamz/panelsync/pkg/httpapi"
	"github.com/germanamz/panelsync/pkg/metrics"
)

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := addCommonFlags(fs)
	listen := fs.String("listen", "", "HTTP API address (overrides http.listen)")
	accessLog := fs.Bool("access-log", false, "log HTTP API requests to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.HTTP.Listen = *listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := newLogger(common.verbose)
	m := metrics.New(prometheus.NewRegistry())

	sinks, err := engine.BuildSinks(cfg, log)
	if err != nil {
		return err
	}

	eng, err := engine.New(cfg, engine.Options{Logger: log, Metrics: m, Sinks: sinks})
	if err != nil {
		for _, s := range sinks {
			_ = s.Close()
		}
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if cfg.CatalogFile != "" {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		wg.Go(func() { reloadOnSignal(ctx, hup, eng, log) })
	}

	if cfg.HTTP.Listen != "" {
		opts := httpapi.Options{Metrics: m, Logger: log}
		if *accessLog {
			opts.AccessLog = os.Stderr
		}
		api := httpapi.New(eng, opts)

		wg.Go(func() {
			if err := api.Serve(ctx, cfg.HTTP.Listen); err != nil {
				errCh <- fmt.Errorf("http api: %w", err)
				cancel()
			}
		})
	}

	runErr := eng.Run(ctx)
	cancel()
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}

	return runErr
}

type catalogReloader interface {
	ReloadCatalog() ([]string, error)
}

// reloadOnSignal re-reads the catalog file every time sig fires until ctx
// ends. A file that fails to load leaves the running catalog in place.
func reloadOnSignal(ctx context.Context, sig <-chan os.Signal, r catalogReloader, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			removed, err := r.ReloadCatalog()
			if err != nil {
				log.Warn("catalog reload failed", "error", err)
				continue
			}
			log.Info("catalog reloaded", "removed", len(removed))
		}
	}
}
