// Card trade escrow API server
package main

import (
	"context"
	"os"

	"github.com/mbd888/cardescrow/internal/config"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/logging"
	"github.com/mbd888/cardescrow/internal/server"
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
	logger.Info("starting cardescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)
	server.Version = Version

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Without a database there is no way to issue keys out of band.
	if cfg.IsDevelopment() && srv.InMemory() {
		raw, key, err := srv.AuthManager().GenerateKey(ctx, "usr_admin", escrow.RoleAdmin, "bootstrap", 0)
		if err != nil {
			logger.Error("failed to create bootstrap key", "error", err)
			os.Exit(1)
		}
		logger.Warn("bootstrap admin key issued", "key_id", key.ID, "user_id", key.UserID, "api_key", raw)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
