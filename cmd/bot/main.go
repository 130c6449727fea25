package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"funding-arb/internal/app"
	"funding-arb/internal/config"
	"funding-arb/internal/logging"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the engine config (yaml or toml)")
	envPath := flag.String("env", ".env", "dotenv file holding exchange secrets, empty to skip")
	flag.Parse()

	if err := loadDotenv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "funding-arb: %v\n", err)
		os.Exit(2)
	}
	if err := run(*configPath); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "funding-arb: %v\n", err)
		os.Exit(1)
	}
}

// loadDotenv exports path into the environment the credential store reads
// api_key_env and friends from. Variables already set win. A missing file is
// not an error.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", configPath),
		zap.Int("exchanges", len(cfg.Exchanges)),
		zap.Int("credentials", len(cfg.Credentials)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("app init failed", zap.Error(err))
		return err
	}
	return application.Run(ctx)
}
