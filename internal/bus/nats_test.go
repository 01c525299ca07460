package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/presenced/internal/presence"
)

func runServer(t *testing.T) string {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server did not start")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func connectBus(t *testing.T, url string) *NATSBus {
	t.Helper()

	b, err := Connect(DefaultConfig(url), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) Deliver(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func TestPublishReachesJoinedSubscriber(t *testing.T) {
	url := runServer(t)
	b := connectBus(t, url)
	c := &collector{}

	require.NoError(t, b.Join(StatusTopic(7), c))

	env := Envelope{Kind: KindStatusChanged, UserID: 7, Status: presence.StatusOnline, TS: 1000.5}
	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), env))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, env, c.all()[0], "envelope must survive the wire intact")
}

func TestCrossInstanceFanout(t *testing.T) {
	url := runServer(t)
	publisher := connectBus(t, url)
	consumer := connectBus(t, url)
	c := &collector{}

	require.NoError(t, consumer.Join(StatusTopic(7), c))
	require.NoError(t, consumer.conn.Flush())

	env := Envelope{Kind: KindStatusChanged, UserID: 7, Status: presence.StatusOffline, TS: 1031}
	require.NoError(t, publisher.Publish(context.Background(), StatusTopic(7), env))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestTopicsAreIsolated(t *testing.T) {
	url := runServer(t)
	b := connectBus(t, url)
	c7 := &collector{}
	c8 := &collector{}

	require.NoError(t, b.Join(StatusTopic(7), c7))
	require.NoError(t, b.Join(StatusTopic(8), c8))

	require.NoError(t, b.Publish(context.Background(), StatusTopic(8), Envelope{
		Kind: KindStatusChanged, UserID: 8, Status: presence.StatusOnline, TS: 1000,
	}))

	require.Eventually(t, func() bool { return c8.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Zero(t, c7.count(), "subscriber must only see its own topic")
}

func TestLeaveStopsDelivery(t *testing.T) {
	url := runServer(t)
	b := connectBus(t, url)
	leaver := &collector{}
	stayer := &collector{}

	require.NoError(t, b.Join(StatusTopic(7), leaver))
	require.NoError(t, b.Join(StatusTopic(7), stayer))

	env := Envelope{Kind: KindStatusChanged, UserID: 7, Status: presence.StatusAway, TS: 1000}
	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), env))
	require.Eventually(t, func() bool { return leaver.count() == 1 && stayer.count() == 1 }, time.Second, 10*time.Millisecond)

	b.Leave(StatusTopic(7), leaver)

	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), env))
	require.Eventually(t, func() bool { return stayer.count() == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, leaver.count(), "departed subscriber must see nothing new")

	// Last member gone drops the NATS subscription entirely.
	b.Leave(StatusTopic(7), stayer)
	b.mu.RLock()
	_, exists := b.topics[StatusTopic(7)]
	b.mu.RUnlock()
	assert.False(t, exists)

	// Leaving a topic never joined is harmless.
	b.Leave(StatusTopic(99), stayer)
}

func TestJoinSameSubscriberTwiceDeliversOnce(t *testing.T) {
	url := runServer(t)
	b := connectBus(t, url)
	c := &collector{}

	require.NoError(t, b.Join(StatusTopic(7), c))
	require.NoError(t, b.Join(StatusTopic(7), c))

	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), Envelope{
		Kind: KindStatusChanged, UserID: 7, Status: presence.StatusOnline, TS: 1000,
	}))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestUnknownKindsAreDropped(t *testing.T) {
	url := runServer(t)
	b := connectBus(t, url)
	c := &collector{}

	require.NoError(t, b.Join(StatusTopic(7), c))

	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), Envelope{
		Kind: "profile_changed", UserID: 7, Status: presence.StatusOnline, TS: 1000,
	}))
	require.NoError(t, b.Publish(context.Background(), StatusTopic(7), Envelope{
		Kind: KindStatusChanged, UserID: 7, Status: presence.StatusOnline, TS: 1001,
	}))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1001), c.all()[0].TS, "only the recognized kind may arrive")
}

func TestSubjectMapping(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "presence.status.123", subjectFor(StatusTopic(123)))
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("{"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"user_id":7,"status":"online","ts":1000}`))
	require.Error(t, err, "missing kind")

	_, err = Decode([]byte(`{"kind":"status_changed","user_id":0,"status":"online","ts":1000}`))
	require.Error(t, err, "bad user id")
}
