// PhishGuard - signed phishing verdict service
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"phishguard/internal/app"
	"phishguard/internal/config"
	"phishguard/internal/logging"
)

const (
	Version = "1.0.0"
	Banner  = `
  ____  _     _     _      ____                     _
 |  _ \| |__ (_)___| |__  / ___|_   _  __ _ _ __ __| |
 | |_) | '_ \| / __| '_ \| |  _| | | |/ _' | '__/ _' |
 |  __/| | | | \__ \ | | | |_| | |_| | (_| | | | (_| |
 |_|   |_| |_|_|___/_| |_|\____|\__,_|\__,_|_|  \__,_|

  Signed phishing verdicts
`
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	port := flag.Int("port", 0, "Override port from config")
	urlOnly := flag.Bool("url-only", false, "Score from URL features only")
	flag.Parse()

	fmt.Fprint(os.Stderr, Banner)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *urlOnly {
		cfg.Signals.URLOnly = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("starting", "version", Version, "config", *configPath)

	svc, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.RunMaintenance(ctx)
	if err := svc.Server().Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}
