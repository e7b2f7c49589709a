package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/germanamz/panelsync/pkg/engine"
	"github.com/germanamz/panelsync/pkg/tools/mcpserver"
)

// runMCP runs an engine and serves its tools over stdio. Logs go to stderr so
// stdout stays reserved for the protocol.
func runMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(common)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := newLogger(common.verbose)

	eng, err := engine.New(cfg, engine.Options{Logger: log})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Go(func() { _ = eng.Run(ctx) })

	srv := mcpserver.New("panelsync", version, eng.Tools(), log)
	err = srv.Serve(ctx, os.Stdin, os.Stdout)

	cancel()
	wg.Wait()

	return err
}
