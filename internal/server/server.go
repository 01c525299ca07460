// Package server assembles the presence service: the KV liveness store,
// the social-graph adapter, the fanout bus, the session endpoint, the
// reaper, and the HTTP surface that fronts them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/auth"
	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/config"
	"github.com/adred-codev/presenced/internal/graph"
	"github.com/adred-codev/presenced/internal/kv"
	"github.com/adred-codev/presenced/internal/leaderboard"
	"github.com/adred-codev/presenced/internal/limits"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
	"github.com/adred-codev/presenced/internal/reaper"
	"github.com/adred-codev/presenced/internal/session"
)

const kvProbeInterval = 5 * time.Second

type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	kv          *kv.Client
	bus         *bus.NATSBus
	graphSQL    *graph.SQLStore
	store       *presence.Store
	limiter     *limits.ConnectionRateLimiter
	auth        *auth.Manager
	endpoint    *session.Endpoint
	leaderboard *leaderboard.Handler
	reaper      *reaper.Reaper

	httpServer *http.Server
}

func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	// Optional for the standalone reaper, required here: the endpoint
	// verifies tokens and the subscribe path needs the follow graph.
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.GraphDSN == "" {
		return nil, fmt.Errorf("GRAPH_DSN is required")
	}

	kvc := kv.Dial(kv.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)

	natsBus, err := bus.Connect(bus.DefaultConfig(cfg.NATSURL), logger)
	if err != nil {
		kvc.Close()
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	graphSQL, err := graph.Open(cfg.GraphDSN, logger)
	if err != nil {
		natsBus.Close()
		kvc.Close()
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	graphStore := graph.NewCachedStore(graphSQL, cfg.MutualCacheSize, cfg.MutualCacheTTL())

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

	limiter := limits.NewConnectionRateLimiter(limits.Config{
		IPBurst: cfg.ConnBurstPerIP,
		IPRate:  cfg.ConnRatePerIP,
	}, logger)

	// The duration only applies to issuing, which lives in the identity
	// service; this manager just verifies.
	authMgr := auth.NewManager(cfg.JWTSecret, 24*time.Hour)

	endpoint := session.NewEndpoint(session.Options{
		Store:            store,
		Graph:            graphStore,
		Bus:              natsBus,
		Auth:             authMgr,
		Limiter:          limiter,
		Logger:           logger,
		MaxSubscriptions: cfg.MaxSubscriptionsPerSocket,
		MaxConnections:   cfg.MaxConnections,
	})

	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		kv:          kvc,
		bus:         natsBus,
		graphSQL:    graphSQL,
		store:       store,
		limiter:     limiter,
		auth:        authMgr,
		endpoint:    endpoint,
		leaderboard: leaderboard.NewHandler(store, graphStore, nil, logger),
	}
	if cfg.ReaperEnabled {
		s.reaper = reaper.New(store, natsBus, nil, reaper.Config{
			PollInterval: cfg.PollInterval(),
			BatchSize:    cfg.ReaperBatchSize,
		}, logger)
	}

	s.setupHTTPServer()
	return s, nil
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.endpoint.HandleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/presence/leaderboard", s.auth.Middleware(s.leaderboard.ServeHTTP))

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Run starts the background loops and serves HTTP until ctx is canceled,
// then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.kv.Probe(runCtx, kvProbeInterval)
	}()

	if s.reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.reaper.Run(runCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	s.shutdown()
	wg.Wait()
	return runErr
}

// shutdown drains in dependency order: stop accepting HTTP, close the
// sessions (which release their bus memberships), then tear down the
// shared clients.
func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown error")
	}
	if err := s.endpoint.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("session drain timed out")
	}

	s.limiter.Stop()
	if err := s.bus.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("bus close error")
	}
	if s.graphSQL != nil {
		if err := s.graphSQL.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("graph close error")
		}
	}
	if err := s.kv.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("KV close error")
	}

	s.logger.Info().Msg("server shutdown complete")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	kvUp := s.kv.Up()
	busUp := s.bus.IsConnected()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]any{
			"kv":       map[string]any{"up": kvUp},
			"bus":      map[string]any{"connected": busUp},
			"sessions": map[string]any{"active": s.endpoint.ActiveConnections()},
		},
	}

	code := http.StatusOK
	if !kvUp || !busUp {
		health["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(health)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
