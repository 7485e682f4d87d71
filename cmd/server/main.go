// Settlehub - marketplace settlement and escrow engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/settlehub/internal/config"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting settlehub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.DefaultCurrency,
		"cod_ceiling", cfg.CODCeiling.StringFixed(2),
		"barter_ceiling", cfg.BarterCeiling.StringFixed(2),
		"postgres", cfg.DatabaseURL != "",
	)

	if Version != "dev" {
		server.Version = Version
	}

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
