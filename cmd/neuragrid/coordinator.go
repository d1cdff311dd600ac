package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/neuragrid/neuragrid/coordinator"
	"github.com/neuragrid/neuragrid/internal/coordinator/config"
	"github.com/neuragrid/neuragrid/internal/logging"
)

func runCoordinator(args []string) error {
	fs := flag.NewFlagSet("coordinator", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file (optional)")
	addr := fs.String("addr", "", "listen address (overrides config)")
	dbPath := fs.String("db", "", "SQLite database file (overrides config)")
	dashboardDir := fs.String("dashboard", "", "dashboard asset directory (overrides config)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *dashboardDir != "" {
		cfg.DashboardDir = *dashboardDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.LogLevel, err)
	}
	logging.SetLevel(level)

	logging.PrintBanner("coordinator", version, cfg.Addr)
	logging.PrintAccessURL(cfg.Addr)

	server, err := coordinator.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
