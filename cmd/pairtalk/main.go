// Package main provides the entry point for the pairtalk server.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/txn2/pairtalk/internal/server"
	"github.com/txn2/pairtalk/pkg/platform"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	logLevel    string
	showVersion bool
}

func parseFlags(args []string) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("pairtalk", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.address, "address", "", "Listen address, overrides server.address")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level, overrides server.log_level")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts serverOptions) (*platform.Config, error) {
	var (
		cfg *platform.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = platform.LoadConfig(opts.configPath)
	} else {
		cfg, err = platform.ParseConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if opts.address != "" {
		cfg.Server.Address = opts.address
	}
	if opts.logLevel != "" {
		cfg.Server.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Printf("pairtalk version %s\n", server.Version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := parseLogLevel(cfg.Server.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stderr, level))

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.ListenAndServe(ctx)
}
