// The standalone reaper converts expired heartbeats to offline events
// without serving any client traffic. Run it instead of the in-process
// loop (REAPER_ENABLED=false on the servers) when session instances scale
// independently of scan capacity.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/config"
	"github.com/adred-codev/presenced/internal/kv"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
	"github.com/adred-codev/presenced/internal/reaper"
)

func main() {
	bootstrap := monitoring.NewLogger("presence-reaper", monitoring.LogLevelInfo, monitoring.LogFormatJSON)

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := monitoring.NewLogger("presence-reaper", monitoring.LogLevel(cfg.LogLevel), monitoring.LogFormat(cfg.LogFormat))
	cfg.LogConfig(logger)

	kvc := kv.Dial(kv.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	defer kvc.Close()

	natsBus, err := bus.Connect(bus.DefaultConfig(cfg.NATSURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer natsBus.Close()

	store := presence.NewStore(kvc, presence.Config{
		Keys: presence.Keys{
			SetPrefix:   cfg.ScoredSetKeyPrefix,
			StatePrefix: cfg.StateKeyPrefix,
			Shards:      cfg.NumShards,
		},
		HeartbeatWindow: cfg.HeartbeatWindow(),
		MinInterval:     cfg.MinInterval(),
		StateTTL:        cfg.StateTTL(),
	}, logger)

	r := reaper.New(store, natsBus, nil, reaper.Config{
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.ReaperBatchSize,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go kvc.Probe(ctx, 5*time.Second)

	r.Run(ctx)
	logger.Info().Msg("reaper exited")
}
