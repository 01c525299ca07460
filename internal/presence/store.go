package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/kv"
)

// Config holds the store's windows and key layout.
type Config struct {
	Keys            Keys
	HeartbeatWindow time.Duration
	MinInterval     time.Duration
	StateTTL        time.Duration
}

// Store is a stateless façade over the KV that owns the presence semantics:
// heartbeat liveness, semantic status, the reaper's offline confirmation, and
// effective-status reads. All timestamps are epoch seconds.
type Store struct {
	kv     *kv.Client
	keys   Keys
	window float64
	minGap float64
	ttl    time.Duration
	logger zerolog.Logger
}

func NewStore(kvc *kv.Client, cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		kv:     kvc,
		keys:   cfg.Keys,
		window: cfg.HeartbeatWindow.Seconds(),
		minGap: cfg.MinInterval.Seconds(),
		ttl:    cfg.StateTTL,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

func formatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func parseOptionalTS(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	ts, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

func parseTS(s string, fallback float64) float64 {
	if ts, ok := parseOptionalTS(s); ok {
		return ts
	}
	return fallback
}

// effectiveFromSnapshot derives the reported status. The scored set is
// authoritative: a missing or expired record is offline no matter what the
// field map says.
func effectiveFromSnapshot(snap kv.Snapshot, now float64) (Status, float64) {
	if !snap.HasScore || snap.Score < now {
		return StatusOffline, parseTS(snap.Fields[fieldLastSeenTS], now)
	}

	status := Status(snap.Fields[fieldStatus])
	if !status.Valid() {
		status = StatusOnline
	}
	return status, parseTS(snap.Fields[fieldUpdatedTS], now)
}

// RecordHeartbeat refreshes the user's liveness record. The first beat after
// an offline period transitions the user to online; beats inside MinInterval
// are dropped silently.
func (s *Store) RecordHeartbeat(ctx context.Context, userID int64, now float64) (Effect, error) {
	setKey := s.keys.SetKey(userID)
	stateKey := s.keys.StateKey(userID)
	member := Member(userID)

	snap, err := s.kv.TakeSnapshot(ctx, kv.SnapshotKeys{SetKey: setKey, StateKey: stateKey, Member: member})
	if err != nil {
		return Effect{}, fmt.Errorf("heartbeat user %d: %w", userID, err)
	}

	// Best-effort rate limit; the worst case of racing beats is one extra
	// KV write per window.
	if last, ok := parseOptionalTS(snap.Fields[fieldLastHeartbeatTS]); ok && now-last < s.minGap {
		return Effect{Kind: EffectIgnored}, nil
	}

	prior, _ := effectiveFromSnapshot(snap, now)

	if err := s.kv.UpsertScore(ctx, setKey, member, now+s.window); err != nil {
		return Effect{}, fmt.Errorf("heartbeat user %d: %w", userID, err)
	}
	if err := s.kv.SetFields(ctx, stateKey, map[string]string{fieldLastHeartbeatTS: formatTS(now)}, s.ttl); err != nil {
		return Effect{}, fmt.Errorf("heartbeat user %d: %w", userID, err)
	}

	if prior != StatusOffline {
		return Effect{Kind: EffectRefreshed}, nil
	}

	if _, err := s.kv.SetFieldsIfNewer(ctx, stateKey, now, s.ttl, map[string]string{
		fieldStatus:    string(StatusOnline),
		fieldUpdatedTS: formatTS(now),
	}); err != nil {
		return Effect{}, fmt.Errorf("heartbeat user %d: %w", userID, err)
	}
	return transitionedTo(StatusOnline), nil
}

// SetSemantic moves a live user between online and away. Users without a
// current heartbeat record are ignored; semantic changes never touch the
// scored set.
func (s *Store) SetSemantic(ctx context.Context, userID int64, target Status, now float64) (Effect, error) {
	if target != StatusOnline && target != StatusAway {
		return Effect{}, fmt.Errorf("set semantic user %d: invalid target %q", userID, target)
	}

	setKey := s.keys.SetKey(userID)
	stateKey := s.keys.StateKey(userID)

	snap, err := s.kv.TakeSnapshot(ctx, kv.SnapshotKeys{SetKey: setKey, StateKey: stateKey, Member: Member(userID)})
	if err != nil {
		return Effect{}, fmt.Errorf("set semantic user %d: %w", userID, err)
	}

	if !snap.HasScore || snap.Score < now {
		return Effect{Kind: EffectIgnored}, nil
	}

	current := Status(snap.Fields[fieldStatus])
	if !current.Valid() {
		current = StatusOnline
	}
	if current == target {
		return Effect{Kind: EffectUnchanged}, nil
	}

	applied, err := s.kv.SetFieldsIfNewer(ctx, stateKey, now, s.ttl, map[string]string{
		fieldStatus:    string(target),
		fieldUpdatedTS: formatTS(now),
	})
	if err != nil {
		return Effect{}, fmt.Errorf("set semantic user %d: %w", userID, err)
	}
	if !applied {
		return Effect{Kind: EffectUnchanged}, nil
	}
	return transitionedTo(target), nil
}

// ConfirmOffline converts an expired heartbeat record into an offline state.
// The conditional remove runs server-side, so only the caller whose observed
// staleness still holds performs the removal; a racing heartbeat aborts it.
func (s *Store) ConfirmOffline(ctx context.Context, userID int64, now float64) (Effect, error) {
	out, err := s.kv.RemoveIfScoreBelow(ctx, s.keys.SetKey(userID), Member(userID), now)
	if err != nil {
		return Effect{}, fmt.Errorf("confirm offline user %d: %w", userID, err)
	}
	if !out.Removed {
		// The heartbeat won the race; leave the field map alone.
		return Effect{Kind: EffectUnchanged}, nil
	}

	applied, err := s.kv.SetFieldsIfNewer(ctx, s.keys.StateKey(userID), now, s.ttl, map[string]string{
		fieldStatus:     string(StatusOffline),
		fieldUpdatedTS:  formatTS(now),
		fieldLastSeenTS: formatTS(now),
	})
	if err != nil {
		// The record is already gone, so the transition stands; the next
		// heartbeat rebuilds the field map.
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("offline state write failed after removal")
		return transitionedTo(StatusOffline), nil
	}
	if !applied {
		s.logger.Debug().Int64("user_id", userID).Msg("offline state write superseded by newer update")
	}
	return transitionedTo(StatusOffline), nil
}

// EffectiveStatus reports the user's observable status and its timestamp.
// While the KV probe reports down, every user reads as offline.
func (s *Store) EffectiveStatus(ctx context.Context, userID int64, now float64) (Status, float64, error) {
	if !s.kv.Up() {
		return StatusOffline, now, nil
	}

	snap, err := s.kv.TakeSnapshot(ctx, kv.SnapshotKeys{
		SetKey:   s.keys.SetKey(userID),
		StateKey: s.keys.StateKey(userID),
		Member:   Member(userID),
	})
	if err != nil {
		return StatusOffline, now, fmt.Errorf("effective status user %d: %w", userID, err)
	}

	status, ts := effectiveFromSnapshot(snap, now)
	return status, ts, nil
}

// UserStatus is one user's effective status at a point in time.
type UserStatus struct {
	UserID int64
	Status Status
	TS     float64
}

// EffectiveStatusBatch computes effective statuses for many users with a
// single pipelined read, preserving input order.
func (s *Store) EffectiveStatusBatch(ctx context.Context, userIDs []int64, now float64) ([]UserStatus, error) {
	out := make([]UserStatus, len(userIDs))
	if !s.kv.Up() {
		for i, id := range userIDs {
			out[i] = UserStatus{UserID: id, Status: StatusOffline, TS: now}
		}
		return out, nil
	}
	if len(userIDs) == 0 {
		return out, nil
	}

	keys := make([]kv.SnapshotKeys, len(userIDs))
	for i, id := range userIDs {
		keys[i] = kv.SnapshotKeys{
			SetKey:   s.keys.SetKey(id),
			StateKey: s.keys.StateKey(id),
			Member:   Member(id),
		}
	}

	snaps, err := s.kv.TakeSnapshots(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("effective status batch: %w", err)
	}

	for i, id := range userIDs {
		status, ts := effectiveFromSnapshot(snaps[i], now)
		out[i] = UserStatus{UserID: id, Status: status, TS: ts}
	}
	return out, nil
}

// ExpiredBefore returns up to limit user ids in one shard whose heartbeat
// expiry is at or below now, oldest first.
func (s *Store) ExpiredBefore(ctx context.Context, shard int, now float64, limit int64) ([]int64, error) {
	members, err := s.kv.RangeBelow(ctx, s.keys.ShardKey(shard), now, limit)
	if err != nil {
		return nil, fmt.Errorf("expired scan shard %d: %w", shard, err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := ParseMember(m)
		if err != nil {
			s.logger.Warn().Str("member", m).Msg("skipping non-numeric scored set member")
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ShardCount returns how many scored-set shards the reaper must scan.
func (s *Store) ShardCount() int {
	return s.keys.ShardCount()
}
