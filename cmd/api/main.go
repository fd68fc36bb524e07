package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/onexay/perf-ledger/internal/config"
	"github.com/onexay/perf-ledger/internal/httpserver"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("LEDGER_CONFIG"), "Path to a YAML configuration file")
	addr := pflag.String("addr", "", "Listen address (overrides API_ADDR)")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn, error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.APIAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := httpserver.NewServer(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "server terminated: %v\n", err)
		os.Exit(1)
	}
}
