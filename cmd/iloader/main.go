// iloader is the companion process behind the installer UI. It serves the
// UI over a local WebSocket and drives the signing helper to log in, list
// devices and install apps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/kakik0u/iloader/app"
	"github.com/kakik0u/iloader/config"
	"github.com/kakik0u/iloader/helper"
	"github.com/kakik0u/iloader/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var overrides config.Config

	flagSet := pflag.NewFlagSet("iloader", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	flagSet.StringVar(&overrides.ListenAddr, "listen", "", "address for the UI socket (e.g. 127.0.0.1:8715)")
	flagSet.StringVar(&overrides.DataDir, "data-dir", "", "directory for saved credentials and anisette state")
	flagSet.StringVar(&overrides.HelperPath, "helper", "", "path to the signing helper binary")
	flagSet.StringVar(&overrides.AnisetteServer, "anisette-server", "", "default anisette server host")
	flagSet.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&overrides.LogFormat, "log-format", "", "text or json")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, &overrides)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	logger.Info("starting iloader", "listen", cfg.ListenAddr, "helper", cfg.HelperPath)

	a, err := app.New(cfg, helper.New(cfg.HelperPath, logger.With("component", "helper")), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}

func applyOverrides(cfg, flags *config.Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.ListenAddr, flags.ListenAddr)
	set(&cfg.DataDir, flags.DataDir)
	set(&cfg.HelperPath, flags.HelperPath)
	set(&cfg.AnisetteServer, flags.AnisetteServer)
	set(&cfg.LogLevel, flags.LogLevel)
	set(&cfg.LogFormat, flags.LogFormat)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `iloader companion process.

Settings are read from the config file, then ILOADER_* environment
variables (a .env file in the working directory is loaded first), then
the flags below.

Usage:
  iloader [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
