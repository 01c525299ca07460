package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/presence"
)

func env(userID int64, status presence.Status, ts float64) bus.Envelope {
	return bus.Envelope{Kind: bus.KindStatusChanged, UserID: userID, Status: status, TS: ts}
}

func TestOutboxCoalescesPerUser(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	assert.Equal(t, pushQueued, o.push(env(7, presence.StatusOnline, 1000)))
	assert.Equal(t, pushReplaced, o.push(env(7, presence.StatusAway, 1001)))

	got, ok := o.pop()
	require.True(t, ok)
	assert.Equal(t, presence.StatusAway, got.Status)
	assert.Equal(t, float64(1001), got.TS)

	_, ok = o.pop()
	assert.False(t, ok, "replacement must not leave a second entry")
}

func TestOutboxPreservesOrderAcrossUsers(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	o.push(env(1, presence.StatusOnline, 1000))
	o.push(env(2, presence.StatusOnline, 1001))
	o.push(env(3, presence.StatusOnline, 1002))

	for _, want := range []int64{1, 2, 3} {
		got, ok := o.pop()
		require.True(t, ok)
		assert.Equal(t, want, got.UserID)
	}
}

func TestOutboxDiscardsStale(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	o.seed(7, 1020)
	assert.Equal(t, pushStale, o.push(env(7, presence.StatusOnline, 1010)))

	_, ok := o.pop()
	assert.False(t, ok)

	// Equal to the watermark is not stale; the snapshot itself had that ts.
	assert.Equal(t, pushQueued, o.push(env(7, presence.StatusAway, 1020)))
}

func TestOutboxSeedKeepsNewestWatermark(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	o.seed(7, 1020)
	o.seed(7, 1000)

	assert.Equal(t, pushStale, o.push(env(7, presence.StatusOnline, 1010)))
}

func TestOutboxForget(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	o.push(env(7, presence.StatusOnline, 1000))
	o.forget(7)

	_, ok := o.pop()
	assert.False(t, ok)

	// Watermark is gone too; a later resubscribe starts fresh.
	assert.Equal(t, pushQueued, o.push(env(7, presence.StatusOnline, 1)))
}

func TestOutboxWakeSignal(t *testing.T) {
	t.Parallel()
	o := newStatusOutbox()

	select {
	case <-o.wake():
		t.Fatal("no wake expected before push")
	default:
	}

	o.push(env(7, presence.StatusOnline, 1000))

	select {
	case <-o.wake():
	default:
		t.Fatal("push must signal the write pump")
	}
}
