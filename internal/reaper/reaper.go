// Package reaper turns expired heartbeat records into offline transitions.
//
// Detection is centralized here rather than spread across session teardown
// paths: a socket can die without a close frame, a whole instance can die
// with its sockets, and in both cases the scored set still carries the
// truth. Each tick scans every shard for members whose expiry fell behind
// the clock, confirms them through the presence store's conditional remove,
// and publishes the offline envelope for each confirmed transition.
package reaper

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 500
)

// Store is the slice of the presence store the reaper drives.
type Store interface {
	ExpiredBefore(ctx context.Context, shard int, now float64, limit int64) ([]int64, error)
	ConfirmOffline(ctx context.Context, userID int64, now float64) (presence.Effect, error)
	ShardCount() int
}

// Config tunes the scan loop.
type Config struct {
	// PollInterval is the sleep between ticks. Defaults to 1s.
	PollInterval time.Duration

	// BatchSize caps candidates fetched per shard per tick. Defaults to 500.
	BatchSize int
}

// Reaper is the polling loop. Construct with New and drive it with Run;
// it owns no goroutines of its own.
type Reaper struct {
	store  Store
	bus    bus.Bus
	clock  clockwork.Clock
	logger zerolog.Logger

	interval  time.Duration
	batchSize int64
}

func New(store Store, b bus.Bus, clock clockwork.Clock, cfg Config, logger zerolog.Logger) *Reaper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Reaper{
		store:     store,
		bus:       b,
		clock:     clock,
		logger:    logger.With().Str("component", "reaper").Logger(),
		interval:  interval,
		batchSize: int64(batch),
	}
}

// Run scans until ctx is canceled. Cancellation is honored between ticks
// only; a tick that has started runs to completion so that a committed
// removal is never left without its publish.
//
// Two reapers over the same shards are tolerated for availability. The
// random phase offset at startup keeps their scans from landing in the
// same instant, which bounds duplicate offline envelopes; consumers
// already dedupe by timestamp.
func (r *Reaper) Run(ctx context.Context) {
	defer monitoring.RecoverPanic(r.logger, "reaper")

	phase := time.Duration(rand.Int63n(int64(r.interval) + 1))
	select {
	case <-ctx.Done():
		return
	case <-r.clock.After(phase):
	}

	r.logger.Info().
		Dur("poll_interval", r.interval).
		Int64("batch_size", r.batchSize).
		Int("shards", r.store.ShardCount()).
		Msg("reaper started")

	for {
		full := r.tick(ctx)
		if ctx.Err() != nil {
			r.logger.Info().Msg("reaper stopped")
			return
		}
		if full {
			// A full batch means more expiries are probably waiting.
			// Scan again immediately instead of letting a backlog build.
			continue
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return
		case <-r.clock.After(r.interval):
		}
	}
}

// tick scans every shard once and reports whether any shard filled its
// batch. A transient store error aborts the remainder of the tick; the
// affected members stay in the scored set and the next tick retries them.
func (r *Reaper) tick(ctx context.Context) bool {
	ctx = context.WithoutCancel(ctx)

	start := r.clock.Now()
	now := float64(start.UnixNano()) / float64(time.Second)

	candidates := 0
	full := false
	for shard := 0; shard < r.store.ShardCount(); shard++ {
		n, filled, err := r.reapShard(ctx, shard, now)
		candidates += n
		if err != nil {
			r.logger.Warn().Err(err).Int("shard", shard).
				Msg("tick aborted, retrying after poll interval")
			full = false
			break
		}
		if filled {
			full = true
		}
	}

	monitoring.ObserveReaperTick(r.clock.Since(start).Seconds(), candidates)
	return full
}

func (r *Reaper) reapShard(ctx context.Context, shard int, now float64) (int, bool, error) {
	ids, err := r.store.ExpiredBefore(ctx, shard, now, r.batchSize)
	if err != nil {
		return 0, false, err
	}

	for i, userID := range ids {
		effect, err := r.store.ConfirmOffline(ctx, userID, now)
		if err != nil {
			return i, false, err
		}
		if !effect.Transition() {
			// A heartbeat landed between the scan and the conditional
			// remove; the remove aborted and the user stays online.
			r.logger.Debug().Int64("user_id", userID).Msg("expiry aborted by fresh heartbeat")
			continue
		}

		monitoring.IncrementReaped()
		env := bus.Envelope{
			Kind:   bus.KindStatusChanged,
			UserID: userID,
			Status: effect.Status,
			TS:     now,
		}
		if err := r.bus.Publish(ctx, bus.StatusTopic(userID), env); err != nil {
			// The removal is committed either way; the next transition of
			// this user reconciles observers within one heartbeat window.
			r.logger.Warn().Err(err).Int64("user_id", userID).Msg("offline publish failed")
		}
	}

	return len(ids), int64(len(ids)) == r.batchSize, nil
}
