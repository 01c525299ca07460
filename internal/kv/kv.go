package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/monitoring"
)

// Error kinds surfaced to callers. Transient errors are retryable at the
// caller's next natural trigger; fatal errors escalate.
var (
	ErrNotFound    = errors.New("kv: not found")
	ErrUnavailable = errors.New("kv: unavailable")
	ErrFatal       = errors.New("kv: fatal")
)

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrUnavailable
	case errors.Is(err, redis.ErrClosed):
		return ErrUnavailable
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnavailable
	}
	return ErrFatal
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w: %s", op, key, classify(err), err)
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client is a typed wrapper over the KV primitives the presence core needs:
// a scored set, a per-user field map, and two scripted operations that must
// run server-side as single atomic units.
type Client struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
	up     atomic.Bool
	fails  atomic.Int32
}

// Dial connects to Redis and wraps the connection.
func Dial(opts Options, logger zerolog.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return New(rdb, logger)
}

// New wraps an existing Redis client. Tests pass a client bound to an
// in-process server.
func New(rdb redis.UniversalClient, logger zerolog.Logger) *Client {
	c := &Client{
		rdb:    rdb,
		logger: logger.With().Str("component", "kv").Logger(),
	}
	c.up.Store(true)
	monitoring.SetKVUp(true)
	return c
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Up reports the probe's view of KV availability. While down, status reads
// degrade to "everyone offline" instead of failing or fabricating liveness.
func (c *Client) Up() bool {
	return c.up.Load()
}

const probeFailureThreshold = 3

// CheckHealth runs one probe round trip and updates the availability state.
// The down transition requires consecutive failures so a single lost ping
// does not flip the fleet to degraded mode.
func (c *Client) CheckHealth(ctx context.Context) bool {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		n := c.fails.Add(1)
		if n >= probeFailureThreshold && c.up.CompareAndSwap(true, false) {
			monitoring.SetKVUp(false)
			c.logger.Error().Err(err).Msg("KV marked down")
		}
		return false
	}
	c.fails.Store(0)
	if c.up.CompareAndSwap(false, true) {
		monitoring.SetKVUp(true)
		c.logger.Info().Msg("KV marked up")
	}
	return true
}

// Probe pings at the given interval until ctx is canceled.
func (c *Client) Probe(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, interval)
			c.CheckHealth(probeCtx)
			cancel()
		}
	}
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// UpsertScore inserts or refreshes a member's score.
func (c *Client) UpsertScore(ctx context.Context, key, member string, score float64) error {
	err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	return wrap("zadd", key, err)
}

// Score reads a member's score. Absent members return ErrNotFound.
func (c *Client) Score(ctx context.Context, key, member string) (float64, error) {
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if err != nil {
		return 0, wrap("zscore", key, err)
	}
	return score, nil
}

// RangeBelow returns up to limit members with score <= max, in non-decreasing
// score order.
func (c *Client) RangeBelow(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    formatScore(max),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, wrap("zrangebyscore", key, err)
	}
	return members, nil
}

// RemoveOutcome is the result of the conditional remove. Exists reports
// whether the member was present when the script ran; Score is the observed
// score when it was.
type RemoveOutcome struct {
	Removed bool
	Exists  bool
	Score   float64
}

// RemoveIfScoreBelow removes the member iff its score is strictly below
// threshold, as one server-side unit. Racing the read and the removal on the
// client would let a concurrent score refresh be lost.
func (c *Client) RemoveIfScoreBelow(ctx context.Context, key, member string, threshold float64) (RemoveOutcome, error) {
	res, err := removeIfScoreBelowScript.Run(ctx, c.rdb, []string{key}, member, formatScore(threshold)).Result()
	if err != nil {
		return RemoveOutcome{}, wrap("remove_if_score_below", key, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return RemoveOutcome{}, fmt.Errorf("remove_if_score_below %s: %w: unexpected reply %v", key, ErrFatal, res)
	}
	removed, _ := vals[0].(int64)
	scoreStr, _ := vals[1].(string)

	out := RemoveOutcome{Removed: removed == 1}
	if scoreStr != "" {
		score, perr := strconv.ParseFloat(scoreStr, 64)
		if perr != nil {
			return RemoveOutcome{}, fmt.Errorf("remove_if_score_below %s: %w: bad score %q", key, ErrFatal, scoreStr)
		}
		out.Exists = true
		out.Score = score
	}
	return out, nil
}

// SetFields writes fields into the map at key and refreshes its TTL when
// ttl > 0.
func (c *Client) SetFields(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrap("hset", key, err)
}

// SetFieldsIfNewer writes fields only if the map's stored updated_ts is not
// strictly newer than ts, keeping updated_ts monotonic under concurrent
// writers. Returns whether the write was applied.
func (c *Client) SetFieldsIfNewer(ctx context.Context, key string, ts float64, ttl time.Duration, fields map[string]string) (bool, error) {
	args := make([]interface{}, 0, 2+len(fields)*2)
	args = append(args, formatScore(ts), strconv.FormatInt(int64(ttl/time.Second), 10))
	for f, v := range fields {
		args = append(args, f, v)
	}

	applied, err := setFieldsIfNewerScript.Run(ctx, c.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, wrap("hset_if_newer", key, err)
	}
	return applied == 1, nil
}

// GetField reads one field. Absent keys or fields return ErrNotFound.
func (c *Client) GetField(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err != nil {
		return "", wrap("hget", key, err)
	}
	return val, nil
}

// GetAll reads the whole field map. Absent keys return an empty map.
func (c *Client) GetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall", key, err)
	}
	return fields, nil
}

// Snapshot is one user's liveness score and state map, read together.
type Snapshot struct {
	Score    float64
	HasScore bool
	Fields   map[string]string
}

// SnapshotKeys names the keys of one snapshot read.
type SnapshotKeys struct {
	SetKey   string
	StateKey string
	Member   string
}

// TakeSnapshot reads one user's score and field map in a single round trip.
func (c *Client) TakeSnapshot(ctx context.Context, keys SnapshotKeys) (Snapshot, error) {
	snaps, err := c.TakeSnapshots(ctx, []SnapshotKeys{keys})
	if err != nil {
		return Snapshot{}, err
	}
	return snaps[0], nil
}

// TakeSnapshots pipelines score and field-map reads for many users.
func (c *Client) TakeSnapshots(ctx context.Context, keys []SnapshotKeys) ([]Snapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	scoreCmds := make([]*redis.FloatCmd, len(keys))
	fieldCmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		scoreCmds[i] = pipe.ZScore(ctx, k.SetKey, k.Member)
		fieldCmds[i] = pipe.HGetAll(ctx, k.StateKey)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrap("snapshot", "pipeline", err)
	}

	out := make([]Snapshot, len(keys))
	for i := range keys {
		score, err := scoreCmds[i].Result()
		switch {
		case err == nil:
			out[i].Score = score
			out[i].HasScore = true
		case errors.Is(err, redis.Nil):
			// no liveness record
		default:
			return nil, wrap("zscore", keys[i].SetKey, err)
		}

		fields, err := fieldCmds[i].Result()
		if err != nil {
			return nil, wrap("hgetall", keys[i].StateKey, err)
		}
		out[i].Fields = fields
	}
	return out, nil
}
