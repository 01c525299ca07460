package main

import (
	"context"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/presenced/internal/config"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/server"
)

func main() {
	bootstrap := monitoring.NewLogger("presenced", monitoring.LogLevelInfo, monitoring.LogFormatJSON)

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := monitoring.NewLogger("presenced", monitoring.LogLevel(cfg.LogLevel), monitoring.LogFormat(cfg.LogFormat))
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
