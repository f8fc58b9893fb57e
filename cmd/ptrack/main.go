package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ptrack/config"
)

const usageText = `usage: ptrack [-config file] [-n seconds] <command> [args]

commands:
  view [-m compact|exhaustive|i3bar] <file>   watch the shipments listed in file
  i3bar [-snapshot] <file>                    print one status line per refresh
  serve [file]                                poll, publish changes and serve HTTP
  follow                                      print shipment changes from Kafka
`

func main() {
	fs := flag.NewFlagSet("ptrack", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("configPath"), "path to the YAML config")
	refresh := fs.Int("n", 0, "refresh rate in seconds")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usageText) }
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptrack: %v\n", err)
		os.Exit(2)
	}
	if *refresh > 0 {
		cfg.PTrack.RefreshSeconds = *refresh
	}

	slog.SetDefault(newLogger(cfg.PTrack.LogLevel, os.Stderr))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = runCommand(ctx, cfg, defaultAppFactories(), fs.Args(), os.Stdout)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "ptrack: %v\n\n%s", err, usageText)
		os.Exit(2)
	default:
		slog.Error("ptrack failed", "error", err.Error())
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default()
	}
	return config.LoadConfig(path)
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}
