// Panelsync mirrors the state of breaker panels and energy monitors from the
// vendor cloud into a local store and republishes it over HTTP, MQTT, Kafka
// and MCP.
//
// Usage:
//
//	panelsync [run] [flags]   run the sync engine (default)
//	panelsync init [flags]    create a .panelsync directory interactively
//	panelsync watch [flags]   live device table from a running instance
//	panelsync status [flags]  one-shot status report from a running instance
//	panelsync mcp [flags]     serve the engine's tools over MCP on stdio
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/germanamz/panelsync/pkg/engine"
	"github.com/germanamz/panelsync/pkg/syncdir"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runDaemon(args)
	case "init":
		err = runInit(args)
	case "watch":
		err = runWatch(args)
	case "status":
		err = runStatus(args)
	case "mcp":
		err = runMCP(args)
	case "version":
		fmt.Println(version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: panelsync <command> [flags]

Commands:
  run      Run the sync engine (default)
  init     Create a .panelsync directory with config and catalog
  watch    Show a live device table from a running instance
  status   Print a status report from a running instance
  mcp      Serve the engine's tools over MCP on stdio
  version  Print the version

Run "panelsync <command> -h" for command flags.
`)
}

// commonFlags are shared by the commands that start an engine.
type commonFlags struct {
	dir     string
	config  string
	env     string
	verbose bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.dir, "dir", syncdir.DefaultName, "path to .panelsync directory")
	fs.StringVar(&c.config, "config", "", "path to configuration file (default: <dir>/config.yaml)")
	fs.StringVar(&c.env, "env", "", "path to .env file, ignored if missing (default: <dir>/.env)")
	fs.BoolVar(&c.verbose, "verbose", false, "enable debug logging")
	return c
}

// loadDotEnv loads environment variables from path. If the file does not exist
// it is silently ignored so that .env files remain optional.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the directory layout, loads .env and the config file and
// fills the file defaults the directory provides.
func loadConfig(c *commonFlags) (engine.Config, error) {
	d := syncdir.New(c.dir)

	envPath := c.env
	if envPath == "" {
		envPath = d.EnvPath()
	}
	if err := loadDotEnv(envPath); err != nil {
		return engine.Config{}, err
	}

	cfgPath := c.config
	if cfgPath == "" {
		cfgPath = d.ConfigPath()
	}

	cfg, err := engine.LoadConfig(cfgPath)
	if err != nil {
		return engine.Config{}, err
	}

	return applyDirDefaults(cfg, d, filepath.Dir(cfgPath))
}

// applyDirDefaults anchors relative paths at the config file's directory and
// points unset catalog and state files at the directory's standard locations.
func applyDirDefaults(cfg engine.Config, d syncdir.Dir, cfgDir string) (engine.Config, error) {
	abs, err := filepath.Abs(cfgDir)
	if err != nil {
		return cfg, err
	}
	cfg.Dir = abs

	if cfg.CatalogFile == "" {
		cfg.CatalogFile = d.CatalogPath()
	}

	if cfg.StateFile == "" && d.Exists() {
		if err := syncdir.MigrateState(d); err != nil {
			return cfg, err
		}
		if err := syncdir.EnsureStructure(d); err != nil {
			return cfg, err
		}
		cfg.StateFile = d.StatePath()
	}

	return cfg, nil
}
