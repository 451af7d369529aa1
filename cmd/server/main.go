// Kanalpay sells timed access to private Telegram channels, reconciling
// payments from the Payme and Click gateways.
package main

import (
	"context"
	"os"

	"github.com/kanalpay/kanalpay/internal/config"
	"github.com/kanalpay/kanalpay/internal/logging"
	"github.com/kanalpay/kanalpay/internal/server"
)

// Set by ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, "text")
	logger.Info("starting kanalpay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"payme_enabled", cfg.PaymeKey != "",
		"click_enabled", cfg.ClickSecretKey != "",
		"bot_enabled", cfg.BotToken != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
