package session

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/auth"
	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/graph"
	"github.com/adred-codev/presenced/internal/limits"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	EnableCompression: true,
}

// Options wires the endpoint's collaborators.
type Options struct {
	Store   Store
	Graph   graph.Store
	Bus     bus.Bus
	Auth    *auth.Manager
	Limiter *limits.ConnectionRateLimiter
	Clock   clockwork.Clock
	Logger  zerolog.Logger

	MaxSubscriptions int
	MaxConnections   int
}

// Store is the slice of the presence store the session plane needs.
type Store interface {
	RecordHeartbeat(ctx context.Context, userID int64, now float64) (presence.Effect, error)
	SetSemantic(ctx context.Context, userID int64, target presence.Status, now float64) (presence.Effect, error)
	EffectiveStatus(ctx context.Context, userID int64, now float64) (presence.Status, float64, error)
}

// Endpoint terminates WebSocket sessions and runs the fanout plane.
type Endpoint struct {
	store   Store
	graph   graph.Store
	bus     bus.Bus
	auth    *auth.Manager
	limiter *limits.ConnectionRateLimiter
	clock   clockwork.Clock
	logger  zerolog.Logger

	maxSubscriptions int

	registry *registry
	sem      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shuttingDown atomic.Bool
}

func NewEndpoint(opts Options) *Endpoint {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		store:            opts.Store,
		graph:            opts.Graph,
		bus:              opts.Bus,
		auth:             opts.Auth,
		limiter:          opts.Limiter,
		clock:            opts.Clock,
		logger:           opts.Logger.With().Str("component", "session").Logger(),
		maxSubscriptions: opts.MaxSubscriptions,
		registry:         newRegistry(),
		sem:              make(chan struct{}, opts.MaxConnections),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// now is the session plane's single clock read, epoch seconds.
func (e *Endpoint) now() float64 {
	return float64(e.clock.Now().UnixNano()) / 1e9
}

// ActiveConnections reports the number of live sessions.
func (e *Endpoint) ActiveConnections() int {
	return e.registry.count()
}

// HandleWS upgrades one HTTP request into a presence session.
func (e *Endpoint) HandleWS(w http.ResponseWriter, r *http.Request) {
	if e.shuttingDown.Load() {
		monitoring.IncrementConnectionRejected("shutdown")
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if e.limiter != nil && !e.limiter.Allow(clientIP(r)) {
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	select {
	case e.sem <- struct{}{}:
	default:
		monitoring.IncrementConnectionRejected("capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	claims, err := e.auth.WebSocketAuth(r)
	if err != nil {
		<-e.sem
		monitoring.IncrementConnectionRejected("unauthorized")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-e.sem
		e.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := newClient(conn, claims.UserID, e.logger)

	// Every session watches its own status; multi-device users see their
	// other devices' transitions without any subscribe.
	if err := e.bus.Join(bus.StatusTopic(c.userID), c); err != nil {
		e.logger.Error().Err(err).Int64("user_id", c.userID).Msg("self topic join failed")
		conn.Close()
		<-e.sem
		return
	}
	c.join(c.userID)

	e.registry.add(c)
	monitoring.IncrementConnections()
	c.logger.Info().Msg("session opened")

	c.enqueue(connectedFrame{Kind: KindConnected, UserID: c.userID})

	e.wg.Add(1)
	go e.writePump(c)
	go e.readPump(c)
}

// disconnect tears one session down exactly once, from whichever pump or
// shutdown path gets there first.
func (e *Endpoint) disconnect(c *Client) {
	c.closeOnce.Do(func() {
		close(c.done)

		watched := c.watchedCount()
		for _, target := range c.allTopics() {
			e.bus.Leave(bus.StatusTopic(target), c)
		}
		monitoring.AddSubscriptions(-watched)

		e.registry.remove(c)
		c.conn.Close()
		<-e.sem

		monitoring.DecrementConnections()
		c.logger.Info().Dur("session_duration", time.Since(c.connectedAt)).Msg("session closed")
		e.wg.Done()
	})
}

// Shutdown stops accepting sessions, closes the open ones, and waits for
// their pumps up to the context deadline. Heartbeat records are left to
// expire on their own; a fleet-wide restart must not flap everyone offline.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.shuttingDown.Store(true)

	for _, c := range e.registry.snapshot() {
		e.disconnect(c)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}

	e.cancel()
	return nil
}

// clientIP prefers the forwarded address so limits hold behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
