package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/monitoring"
)

// Config tunes the NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// DefaultConfig reconnects forever; presence data is repaired by the next
// transition, so riding out a broker restart beats giving up.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

const subjectPrefix = "presence."

// subjectFor maps an API topic to a NATS subject. Topic segments use ':',
// which NATS reserves, so they become subject dots under a shared prefix.
func subjectFor(topic string) string {
	return subjectPrefix + strings.ReplaceAll(topic, ":", ".")
}

type topicState struct {
	sub     *nats.Subscription
	members map[Subscriber]struct{}
}

// NATSBus carries one NATS subscription per topic with local sockets,
// whatever their number; Join and Leave refcount the members.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topicState
}

func Connect(cfg Config, logger zerolog.Logger) (*NATSBus, error) {
	b := &NATSBus{
		logger: logger.With().Str("component", "bus").Logger(),
		topics: make(map[string]*topicState),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(b.connectHandler),
		nats.DisconnectErrHandler(b.disconnectHandler),
		nats.ReconnectHandler(b.reconnectHandler),
		nats.ErrorHandler(b.errorHandler),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	b.conn = conn
	monitoring.SetBusConnected(true)
	return b, nil
}

func (b *NATSBus) connectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	monitoring.SetBusConnected(true)
}

func (b *NATSBus) disconnectHandler(conn *nats.Conn, err error) {
	if err != nil {
		b.logger.Warn().Err(err).Msg("disconnected from NATS")
	} else {
		b.logger.Info().Msg("disconnected from NATS")
	}
	monitoring.SetBusConnected(false)
}

func (b *NATSBus) reconnectHandler(conn *nats.Conn) {
	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to NATS")
	monitoring.SetBusConnected(true)
}

func (b *NATSBus) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	b.logger.Error().Err(err).Msg("NATS error")
}

// Publish sends one envelope to a topic, fire-and-forget.
func (b *NATSBus) Publish(ctx context.Context, topic string, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := b.conn.Publish(subjectFor(topic), data); err != nil {
		monitoring.IncrementBusPublishError()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Join adds a local subscriber to a topic, creating the NATS subscription on
// the first member.
func (b *NATSBus) Join(topic string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.topics[topic]; ok {
		st.members[sub] = struct{}{}
		return nil
	}

	st := &topicState{members: map[Subscriber]struct{}{sub: {}}}
	natsSub, err := b.conn.Subscribe(subjectFor(topic), func(msg *nats.Msg) {
		b.dispatch(topic, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	st.sub = natsSub
	b.topics[topic] = st
	return nil
}

// Leave removes a local subscriber, dropping the NATS subscription with the
// last member. Leaving a topic never joined is a no-op.
func (b *NATSBus) Leave(topic string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(st.members, sub)
	if len(st.members) > 0 {
		return
	}

	if err := st.sub.Unsubscribe(); err != nil {
		b.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed")
	}
	delete(b.topics, topic)
}

// dispatch decodes one wire message and hands it to a snapshot of the topic's
// members. The snapshot keeps Deliver calls outside the lock.
func (b *NATSBus) dispatch(topic string, data []byte) {
	env, err := Decode(data)
	if err != nil {
		monitoring.IncrementStatusDropped("malformed")
		b.logger.Warn().Err(err).Str("topic", topic).Msg("dropping malformed envelope")
		return
	}
	if env.Kind != KindStatusChanged {
		monitoring.IncrementStatusDropped("unknown_kind")
		return
	}

	b.mu.RLock()
	st, ok := b.topics[topic]
	var members []Subscriber
	if ok {
		members = make([]Subscriber, 0, len(st.members))
		for m := range st.members {
			members = append(members, m)
		}
	}
	b.mu.RUnlock()

	for _, m := range members {
		m.Deliver(env)
		monitoring.IncrementBusDelivered()
	}
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// WaitForConnection polls until the connection is up or ctx expires.
func (b *NATSBus) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if b.IsConnected() {
				return nil
			}
		}
	}
}

func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, st := range b.topics {
		if err := st.sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("topic", topic).Msg("unsubscribe failed during close")
		}
	}
	b.topics = make(map[string]*topicState)

	if b.conn != nil {
		b.conn.Close()
		monitoring.SetBusConnected(false)
	}
	return nil
}
