// presence-loadtest drives a fleet of simulated presence clients against a
// running server: ramp up sockets, heartbeat, watch peers, and report
// fanout throughput and latency while sustaining the load.
//
// Each simulated client is one user. Tokens are minted locally from the
// shared JWT secret, so point the tool at an environment whose secret you
// hold. Peer subscriptions only succeed where the follow graph contains
// mutual edges for the cohort; denials are counted, not fatal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/presenced/internal/auth"
)

type Config struct {
	WSURL             string
	HealthURL         string
	JWTSecret         string
	BaseUserID        int64
	TargetConnections int
	RampRate          int // connections per second
	SustainSec        int
	ReportSec         int
	HealthSec         int
	HeartbeatSec      int
	ToggleSec         int // away/active flips per client; 0 disables
	WatchCount        int // peer subscriptions per client; 0 disables
	ConnectTimeoutMS  int
}

type State struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	connectionErrors  sync.Map // map[string]*int64

	heartbeatsSent int64
	togglesSent    int64
	statusReceived int64
	protocolErrors int64

	subscriptionsSent      int64
	subscriptionsConfirmed int64
	subscriptionsDenied    int64

	latencySumMicros int64
	latencyCount     int64
	latencyMaxMicros int64

	lastHealth *HealthResponse

	startTime        time.Time
	sustainStartTime time.Time
	phase            string // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

func (s *State) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *State) getPhase() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// HealthResponse mirrors the server's /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Services struct {
		KV struct {
			Up bool `json:"up"`
		} `json:"kv"`
		Bus struct {
			Connected bool `json:"connected"`
		} `json:"bus"`
		Sessions struct {
			Active int `json:"active"`
		} `json:"sessions"`
	} `json:"services"`
}

type serverFrame struct {
	Kind   string  `json:"type"`
	UserID int64   `json:"user_id"`
	Status string  `json:"status"`
	TS     float64 `json:"ts"`
	Reason string  `json:"reason"`
}

type Connection struct {
	id        int
	userID    int64
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var (
	state  *State
	config *Config
	tokens *auth.Manager
)

func main() {
	config = parseFlags()
	if config.JWTSecret == "" {
		log.Fatal("a JWT secret is required (-secret or JWT_SECRET)")
	}
	tokens = auth.NewManager(config.JWTSecret, 24*time.Hour)

	state = &State{
		startTime: time.Now(),
		phase:     "ramping",
	}

	log.Printf("\n" + strings.Repeat("=", 72))
	log.Printf("PRESENCE LOAD TEST")
	log.Printf(strings.Repeat("=", 72))
	log.Printf("  Target:     %d clients (users %d..%d)", config.TargetConnections,
		config.BaseUserID, config.BaseUserID+int64(config.TargetConnections)-1)
	log.Printf("  Ramp Rate:  %d conn/sec", config.RampRate)
	log.Printf("  Heartbeat:  every %ds", config.HeartbeatSec)
	if config.WatchCount > 0 {
		log.Printf("  Watching:   %d peers per client", config.WatchCount)
	} else {
		log.Printf("  Watching:   disabled (self-topic fanout only)")
	}
	if config.ToggleSec > 0 {
		log.Printf("  Toggling:   away/active every %ds", config.ToggleSec)
	}
	log.Printf("  Sustain:    %ds", config.SustainSec)
	log.Printf("  Server:     %s", config.WSURL)
	log.Printf(strings.Repeat("=", 72) + "\n")

	if err := checkServerHealth(); err != nil {
		log.Fatalf("initial health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("shutdown signal received, stopping...")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	if err := rampUpConnections(ctx); err != nil {
		log.Printf("ramp-up interrupted: %v", err)
	}

	if state.getPhase() == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainSec) * time.Second):
			state.setPhase("completed")
		case <-ctx.Done():
			log.Printf("sustain phase interrupted")
		}
	}

	printReport()
	log.Printf("load test finished")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.WSURL, "url", getEnv("WS_URL", "ws://localhost:8080/ws"), "WebSocket endpoint URL")
	flag.StringVar(&cfg.HealthURL, "health", getEnv("HEALTH_URL", "http://localhost:8080/health"), "Health check URL")
	flag.StringVar(&cfg.JWTSecret, "secret", getEnv("JWT_SECRET", ""), "JWT secret for minting client tokens")
	baseUser := flag.Int("base-user", getEnvInt("BASE_USER_ID", 1000000), "First simulated user id")
	flag.IntVar(&cfg.TargetConnections, "connections", getEnvInt("TARGET_CONNECTIONS", 1000), "Target number of clients")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 100), "Connections per second during ramp-up")
	flag.IntVar(&cfg.SustainSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.HeartbeatSec, "heartbeat-interval", getEnvInt("HEARTBEAT_INTERVAL", 15), "Client heartbeat interval in seconds")
	flag.IntVar(&cfg.ToggleSec, "toggle-interval", getEnvInt("TOGGLE_INTERVAL", 0), "Away/active flip interval in seconds (0 disables)")
	flag.IntVar(&cfg.WatchCount, "watch", getEnvInt("WATCH_COUNT", 3), "Peer subscriptions per client (0 disables)")
	flag.IntVar(&cfg.ConnectTimeoutMS, "connection-timeout", getEnvInt("CONNECTION_TIMEOUT", 10000), "Connection timeout in milliseconds")
	flag.Parse()

	cfg.BaseUserID = int64(*baseUser)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func rampUpConnections(ctx context.Context) error {
	log.Printf("ramping up: %d clients at %d/sec", config.TargetConnections, config.RampRate)

	batchSize := max(config.RampRate/10, 1) // 10 batches per second
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connectionID := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.totalCreated) >= int64(config.TargetConnections) {
				state.setPhase("sustaining")
				state.mu.Lock()
				state.sustainStartTime = time.Now()
				state.mu.Unlock()
				log.Printf("ramp-up complete: %d clients active, sustaining for %ds",
					atomic.LoadInt64(&state.activeConnections), config.SustainSec)
				return nil
			}

			var wg sync.WaitGroup
			for i := 0; i < batchSize && atomic.LoadInt64(&state.totalCreated) < int64(config.TargetConnections); i++ {
				wg.Add(1)
				id := connectionID
				connectionID++
				atomic.AddInt64(&state.totalCreated, 1)

				go func(connID int) {
					defer wg.Done()
					conn := newConnection(connID, ctx)
					if err := conn.connect(); err != nil {
						atomic.AddInt64(&state.failedConnections, 1)
						val, _ := state.connectionErrors.LoadOrStore(errorKey(err), new(int64))
						atomic.AddInt64(val.(*int64), 1)
					}
				}(id)
			}
			wg.Wait()
		}
	}
}

// errorKey collapses per-connection detail so the same failure mode counts
// into one bucket.
func errorKey(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		return msg[:idx]
	}
	return msg
}

func newConnection(id int, ctx context.Context) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:     id,
		userID: config.BaseUserID + int64(id),
		ctx:    connCtx,
		cancel: cancel,
	}
}

func (c *Connection) connect() error {
	token, err := tokens.Generate(c.userID, fmt.Sprintf("load-%d", c.userID))
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(config.ConnectTimeoutMS) * time.Millisecond,

		// TCP keep-alive prevents cloud load balancers from dropping the
		// connection as idle between heartbeats.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{
				Timeout:   time.Duration(config.ConnectTimeoutMS) * time.Millisecond,
				KeepAlive: 30 * time.Second,
			}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(30 * time.Second)
			}
			return conn, nil
		},
	}

	sep := "?"
	if strings.Contains(config.WSURL, "?") {
		sep = "&"
	}
	ws, _, err := dialer.Dial(config.WSURL+sep+"token="+token, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.ws = ws
	atomic.AddInt64(&state.activeConnections, 1)

	// The server pings every 54s. A quiet but healthy connection sees
	// only those pings, so receiving one extends the read deadline and
	// answers with the pong the server is waiting on.
	const readTimeout = 90 * time.Second
	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPingHandler(func(message string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return c.ws.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(10*time.Second))
	})

	c.watchPeers()
	c.sendHeartbeat()

	go c.readPump(readTimeout)
	go c.writePump()
	return nil
}

// watchPeers subscribes to random cohort members. Denials are expected
// when the follow graph has no mutual edges for the cohort.
func (c *Connection) watchPeers() {
	if config.WatchCount <= 0 || config.TargetConnections < 2 {
		return
	}

	seen := map[int64]bool{c.userID: true}
	for len(seen) <= config.WatchCount && len(seen) < config.TargetConnections {
		target := config.BaseUserID + int64(rand.Intn(config.TargetConnections))
		if seen[target] {
			continue
		}
		seen[target] = true

		if err := c.writeJSON(map[string]any{
			"type":           "presence.subscribe",
			"target_user_id": target,
		}); err != nil {
			return
		}
		atomic.AddInt64(&state.subscriptionsSent, 1)
	}
}

func (c *Connection) sendHeartbeat() {
	if err := c.writeJSON(map[string]any{"type": "presence.heartbeat"}); err != nil {
		log.Printf("client %d dead (heartbeat failed): %v", c.id, err)
		c.close()
		return
	}
	atomic.AddInt64(&state.heartbeatsSent, 1)
}

func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Connection) readPump(readTimeout time.Duration) {
	defer c.close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var frame serverFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		switch frame.Kind {
		case "presence.connected":
		case "presence.status":
			atomic.AddInt64(&state.statusReceived, 1)
			observeLatency(time.Since(time.Unix(0, int64(frame.TS*float64(time.Second)))))
		case "presence.subscribe.ack":
			atomic.AddInt64(&state.subscriptionsConfirmed, 1)
		case "presence.subscribe.denied":
			atomic.AddInt64(&state.subscriptionsDenied, 1)
		case "presence.error":
			atomic.AddInt64(&state.protocolErrors, 1)
		}
	}
}

func (c *Connection) writePump() {
	heartbeat := time.NewTicker(time.Duration(config.HeartbeatSec) * time.Second)
	defer heartbeat.Stop()

	var toggleCh <-chan time.Time
	if config.ToggleSec > 0 {
		toggle := time.NewTicker(time.Duration(config.ToggleSec) * time.Second)
		defer toggle.Stop()
		toggleCh = toggle.C
	}

	away := false
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-heartbeat.C:
			c.sendHeartbeat()
		case <-toggleCh:
			msgType := "presence.away"
			if away {
				msgType = "presence.active"
			}
			away = !away
			if err := c.writeJSON(map[string]any{"type": msgType}); err != nil {
				c.close()
				return
			}
			atomic.AddInt64(&state.togglesSent, 1)
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		atomic.AddInt64(&state.activeConnections, -1)
		if c.ws != nil {
			c.ws.Close()
		}
		c.cancel()
	})
}

func observeLatency(d time.Duration) {
	micros := d.Microseconds()
	if micros < 0 {
		return
	}
	atomic.AddInt64(&state.latencySumMicros, micros)
	atomic.AddInt64(&state.latencyCount, 1)
	for {
		cur := atomic.LoadInt64(&state.latencyMaxMicros)
		if micros <= cur || atomic.CompareAndSwapInt64(&state.latencyMaxMicros, cur, micros) {
			return
		}
	}
}

func checkServerHealth() error {
	resp, err := http.Get(config.HealthURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealth = &health
	state.mu.Unlock()

	if health.Status != "healthy" {
		log.Printf("server reports %q, continuing...", health.Status)
	}
	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealth
	phase := state.phase
	sustainStart := state.sustainStartTime
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeConnections)
	created := atomic.LoadInt64(&state.totalCreated)
	failed := atomic.LoadInt64(&state.failedConnections)
	statuses := atomic.LoadInt64(&state.statusReceived)
	heartbeats := atomic.LoadInt64(&state.heartbeatsSent)

	successRate := 100.0
	if created > 0 {
		successRate = float64(created-failed) / float64(created) * 100
	}

	log.Printf("\n" + strings.Repeat("=", 72))
	log.Printf("PRESENCE LOAD TEST - elapsed %ds - phase %s", elapsed, strings.ToUpper(phase))
	log.Printf(strings.Repeat("=", 72))
	log.Printf("Connections:")
	log.Printf("  Active:        %d / %d target", active, config.TargetConnections)
	log.Printf("  Created:       %d   Failed: %d   Success: %.1f%%", created, failed, successRate)

	log.Printf("Traffic:")
	log.Printf("  Heartbeats:    %s sent", formatNumber(heartbeats))
	log.Printf("  Toggles:       %s sent", formatNumber(atomic.LoadInt64(&state.togglesSent)))
	log.Printf("  Status frames: %s received (%.2f/sec)", formatNumber(statuses),
		float64(statuses)/float64(max(elapsed, 1)))
	log.Printf("  Protocol errs: %d", atomic.LoadInt64(&state.protocolErrors))

	if count := atomic.LoadInt64(&state.latencyCount); count > 0 {
		avg := time.Duration(atomic.LoadInt64(&state.latencySumMicros)/count) * time.Microsecond
		maxLat := time.Duration(atomic.LoadInt64(&state.latencyMaxMicros)) * time.Microsecond
		log.Printf("Fanout latency (transition ts -> receive):")
		log.Printf("  Avg: %v   Max: %v   Samples: %s", avg, maxLat, formatNumber(count))
	}

	if sent := atomic.LoadInt64(&state.subscriptionsSent); sent > 0 {
		confirmed := atomic.LoadInt64(&state.subscriptionsConfirmed)
		denied := atomic.LoadInt64(&state.subscriptionsDenied)
		log.Printf("Subscriptions:")
		log.Printf("  Sent: %d   Confirmed: %d   Denied: %d", sent, confirmed, denied)
	}

	log.Printf("Server health:")
	if health != nil {
		log.Printf("  Status: %s   KV up: %t   Bus: %t   Sessions: %d",
			health.Status, health.Services.KV.Up, health.Services.Bus.Connected,
			health.Services.Sessions.Active)
	} else {
		log.Printf("  no health data")
	}

	if phase == "sustaining" {
		remaining := max(0, config.SustainSec-int(time.Since(sustainStart).Seconds()))
		log.Printf("Sustain: %ds remaining", remaining)
	}

	hasErrors := false
	state.connectionErrors.Range(func(key, value any) bool {
		hasErrors = true
		return false
	})
	if hasErrors {
		log.Printf("Connection errors:")
		state.connectionErrors.Range(func(key, value any) bool {
			log.Printf("  %s: %d", key, atomic.LoadInt64(value.(*int64)))
			return true
		})
	}

	log.Printf(strings.Repeat("=", 72) + "\n")
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	str := fmt.Sprintf("%d", n)
	var result []rune
	for i, ch := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, ch)
	}
	return string(result)
}
