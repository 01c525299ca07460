package limits

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) *ConnectionRateLimiter {
	t.Helper()
	l := NewConnectionRateLimiter(cfg, zerolog.Nop())
	t.Cleanup(l.Stop)
	return l
}

func TestPerIPBurstThenDeny(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, Config{IPBurst: 3, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 100})

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("10.0.0.1"), "attempt %d within burst", i)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other IPs keep their own bucket")
}

func TestGlobalLimitCutsAcrossIPs(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, Config{IPBurst: 100, IPRate: 100, GlobalBurst: 2, GlobalRate: 0.001})

	require.True(t, l.Allow("10.0.0.1"))
	require.True(t, l.Allow("10.0.0.2"))
	assert.False(t, l.Allow("10.0.0.3"), "global bucket exhausted")
}

func TestCleanupDropsIdleEntries(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, Config{IPTTL: time.Millisecond})

	for i := 0; i < 5; i++ {
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}

	time.Sleep(10 * time.Millisecond)
	l.cleanup()

	l.ipMu.Lock()
	remaining := len(l.ipLimiters)
	l.ipMu.Unlock()
	assert.Zero(t, remaining)
}
