package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/presenced/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.Client, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })

	kvc := kv.New(rdb, zerolog.Nop())
	store := NewStore(kvc, Config{
		Keys:            Keys{SetPrefix: "onlineUsers", StatePrefix: "presence:state", Shards: 1},
		HeartbeatWindow: 30 * time.Second,
		MinInterval:     5 * time.Second,
		StateTTL:        24 * time.Hour,
	}, zerolog.Nop())
	return store, kvc, srv
}

func TestHeartbeatFirstBeatGoesOnline(t *testing.T) {
	t.Parallel()
	store, kvc, srv := newTestStore(t)
	ctx := context.Background()

	eff, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)
	require.True(t, eff.Transition())
	require.Equal(t, StatusOnline, eff.Status)

	score, err := kvc.Score(ctx, "onlineUsers", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(1030), score)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "online", fields["status"])
	assert.Equal(t, "1000", fields["updated_ts"])
	assert.Equal(t, "1000", fields["last_heartbeat_ts"])
	assert.Equal(t, 24*time.Hour, srv.TTL("presence:state:7"))
}

func TestHeartbeatRefreshExtendsWindowSilently(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	eff, err := store.RecordHeartbeat(ctx, 7, 1010)
	require.NoError(t, err)
	assert.Equal(t, EffectRefreshed, eff.Kind)

	score, err := kvc.Score(ctx, "onlineUsers", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(1040), score)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "1000", fields["updated_ts"], "refresh must not touch the status timestamp")
	assert.Equal(t, "1010", fields["last_heartbeat_ts"])
}

func TestHeartbeatRateLimited(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	eff, err := store.RecordHeartbeat(ctx, 7, 1002)
	require.NoError(t, err)
	assert.Equal(t, EffectIgnored, eff.Kind)

	score, err := kvc.Score(ctx, "onlineUsers", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(1030), score, "ignored beat must not extend the window")

	// A beat exactly MinInterval after the last one is accepted.
	eff, err = store.RecordHeartbeat(ctx, 7, 1005)
	require.NoError(t, err)
	assert.Equal(t, EffectRefreshed, eff.Kind)
}

func TestHeartbeatRevivesExpiredRecord(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	// Expiry was 1030; the next beat lands after it and is a fresh transition
	// even though the stale scored-set entry was never reaped.
	eff, err := store.RecordHeartbeat(ctx, 7, 1031)
	require.NoError(t, err)
	require.True(t, eff.Transition())
	assert.Equal(t, StatusOnline, eff.Status)
}

func TestSetSemanticAwayAndBack(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	eff, err := store.SetSemantic(ctx, 7, StatusAway, 1010)
	require.NoError(t, err)
	require.True(t, eff.Transition())
	assert.Equal(t, StatusAway, eff.Status)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "away", fields["status"])
	assert.Equal(t, "1010", fields["updated_ts"])

	eff, err = store.SetSemantic(ctx, 7, StatusAway, 1011)
	require.NoError(t, err)
	assert.Equal(t, EffectUnchanged, eff.Kind, "duplicate semantic change must not publish")

	eff, err = store.SetSemantic(ctx, 7, StatusOnline, 1012)
	require.NoError(t, err)
	require.True(t, eff.Transition())
	assert.Equal(t, StatusOnline, eff.Status)
}

func TestSetSemanticIgnoredWithoutLiveRecord(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	eff, err := store.SetSemantic(ctx, 7, StatusAway, 1000)
	require.NoError(t, err)
	assert.Equal(t, EffectIgnored, eff.Kind)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Empty(t, fields, "ignored change must leave no state behind")

	_, err = store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	// The record expired at 1030, so the change arrives too late.
	eff, err = store.SetSemantic(ctx, 7, StatusAway, 1031)
	require.NoError(t, err)
	assert.Equal(t, EffectIgnored, eff.Kind)
}

func TestSetSemanticStaleWriteSkipped(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)
	_, err = store.SetSemantic(ctx, 7, StatusAway, 1020)
	require.NoError(t, err)

	eff, err := store.SetSemantic(ctx, 7, StatusOnline, 1015)
	require.NoError(t, err)
	assert.Equal(t, EffectUnchanged, eff.Kind)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "away", fields["status"], "older timestamp must not overwrite newer state")
	assert.Equal(t, "1020", fields["updated_ts"])
}

func TestSetSemanticRejectsOffline(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)

	_, err := store.SetSemantic(context.Background(), 7, StatusOffline, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target")
}

func TestConfirmOfflineReapsExpiredRecord(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	eff, err := store.ConfirmOffline(ctx, 7, 1031)
	require.NoError(t, err)
	require.True(t, eff.Transition())
	assert.Equal(t, StatusOffline, eff.Status)

	_, err = kvc.Score(ctx, "onlineUsers", "7")
	require.ErrorIs(t, err, kv.ErrNotFound)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "offline", fields["status"])
	assert.Equal(t, "1031", fields["updated_ts"])
	assert.Equal(t, "1031", fields["last_seen_ts"])
	assert.Equal(t, "1000", fields["last_heartbeat_ts"])
}

func TestConfirmOfflineAbortsOnFreshBeat(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, 7, 1006)
	require.NoError(t, err)

	// The scan observed the pre-refresh expiry, but the remove re-checks the
	// score server-side and must not take the user down.
	eff, err := store.ConfirmOffline(ctx, 7, 1031)
	require.NoError(t, err)
	assert.Equal(t, EffectUnchanged, eff.Kind)

	score, err := kvc.Score(ctx, "onlineUsers", "7")
	require.NoError(t, err)
	assert.Equal(t, float64(1036), score)

	fields, err := kvc.GetAll(ctx, "presence:state:7")
	require.NoError(t, err)
	assert.Equal(t, "online", fields["status"])
}

func TestConfirmOfflineAbsentMember(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)

	eff, err := store.ConfirmOffline(context.Background(), 99, 1000)
	require.NoError(t, err)
	assert.Equal(t, EffectUnchanged, eff.Kind)
}

func TestEffectiveStatusOverridesFieldMap(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	// Unknown user.
	status, ts, err := store.EffectiveStatus(ctx, 7, 500)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, status)
	assert.Equal(t, float64(500), ts)

	_, err = store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	status, ts, err = store.EffectiveStatus(ctx, 7, 1010)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, status)
	assert.Equal(t, float64(1000), ts)

	// Expiry boundary: a score equal to now still counts as live.
	status, _, err = store.EffectiveStatus(ctx, 7, 1030)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, status)

	_, err = store.SetSemantic(ctx, 7, StatusAway, 1010)
	require.NoError(t, err)

	status, ts, err = store.EffectiveStatus(ctx, 7, 1020)
	require.NoError(t, err)
	assert.Equal(t, StatusAway, status)
	assert.Equal(t, float64(1010), ts)

	// Expired but not yet reaped: the stale "away" in the field map must not
	// leak through.
	status, ts, err = store.EffectiveStatus(ctx, 7, 1040)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, status)
	assert.Equal(t, float64(1040), ts, "no last_seen recorded yet, falls back to now")

	_, err = store.ConfirmOffline(ctx, 7, 1040)
	require.NoError(t, err)

	status, ts, err = store.EffectiveStatus(ctx, 7, 1050)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, status)
	assert.Equal(t, float64(1040), ts, "reaped users report their last_seen timestamp")
}

func TestEffectiveStatusBatchPreservesOrder(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 1, 1000)
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, 2, 1000)
	require.NoError(t, err)
	_, err = store.SetSemantic(ctx, 2, StatusAway, 1005)
	require.NoError(t, err)

	got, err := store.EffectiveStatusBatch(ctx, []int64{1, 2, 3}, 1010)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, UserStatus{UserID: 1, Status: StatusOnline, TS: 1000}, got[0])
	assert.Equal(t, UserStatus{UserID: 2, Status: StatusAway, TS: 1005}, got[1])
	assert.Equal(t, UserStatus{UserID: 3, Status: StatusOffline, TS: 1010}, got[2])

	empty, err := store.EffectiveStatusBatch(ctx, nil, 1010)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDegradedModeReportsEveryoneOffline(t *testing.T) {
	t.Parallel()
	store, kvc, srv := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 7, 1000)
	require.NoError(t, err)

	srv.Close()
	for i := 0; i < 3; i++ {
		kvc.CheckHealth(ctx)
	}
	require.False(t, kvc.Up())

	status, ts, err := store.EffectiveStatus(ctx, 7, 1010)
	require.NoError(t, err, "degraded reads must not error")
	assert.Equal(t, StatusOffline, status)
	assert.Equal(t, float64(1010), ts)

	batch, err := store.EffectiveStatusBatch(ctx, []int64{7, 8}, 1010)
	require.NoError(t, err)
	for _, us := range batch {
		assert.Equal(t, StatusOffline, us.Status)
		assert.Equal(t, float64(1010), us.TS)
	}

	// Writes still surface the outage to their callers.
	_, err = store.RecordHeartbeat(ctx, 7, 1010)
	require.ErrorIs(t, err, kv.ErrUnavailable)

	require.NoError(t, srv.Restart())
	require.True(t, kvc.CheckHealth(ctx))

	status, _, err = store.EffectiveStatus(ctx, 7, 1010)
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, status, "recovery restores real statuses")
}

func TestExpiredBefore(t *testing.T) {
	t.Parallel()
	store, kvc, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.RecordHeartbeat(ctx, 1, 1000)
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, 2, 1001)
	require.NoError(t, err)
	_, err = store.RecordHeartbeat(ctx, 3, 1050)
	require.NoError(t, err)

	ids, err := store.ExpiredBefore(ctx, 0, 1040, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids, "expired users come back oldest first")

	ids, err = store.ExpiredBefore(ctx, 0, 1040, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)

	require.NoError(t, kvc.UpsertScore(ctx, "onlineUsers", "junk", 100))
	ids, err = store.ExpiredBefore(ctx, 0, 1040, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids, "non-numeric members are skipped")

	ids, err = store.ExpiredBefore(ctx, 0, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestExpiredBeforeUnavailable(t *testing.T) {
	t.Parallel()
	store, _, srv := newTestStore(t)

	srv.Close()
	_, err := store.ExpiredBefore(context.Background(), 0, 1000, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kv.ErrUnavailable))
}
