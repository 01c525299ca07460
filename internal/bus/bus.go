// Package bus fans presence transitions out to every server instance that
// has sockets watching the affected user.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/adred-codev/presenced/internal/presence"
)

// KindStatusChanged tags the only envelope kind the presence plane emits.
// Consumers drop envelopes with kinds they do not recognize.
const KindStatusChanged = "status_changed"

// Envelope is the cross-instance transition event. TS is epoch seconds and
// drives last-write-wins merging at the consumer.
type Envelope struct {
	Kind   string          `json:"kind"`
	UserID int64           `json:"user_id"`
	Status presence.Status `json:"status"`
	TS     float64         `json:"ts"`
}

// StatusTopic names the per-user topic carrying that user's transitions.
func StatusTopic(userID int64) string {
	return "status:" + strconv.FormatInt(userID, 10)
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing kind")
	}
	if env.UserID <= 0 {
		return Envelope{}, fmt.Errorf("decode envelope: bad user_id %d", env.UserID)
	}
	return env, nil
}

// Subscriber receives envelopes for topics it has joined. Deliver must not
// block; slow consumers shed into their own buffers.
type Subscriber interface {
	Deliver(env Envelope)
}

// Bus is the pub/sub fabric between server instances. Publishing is
// fire-and-forget: a transition lost to a broker outage is repaired by the
// subject's next transition, not redelivered.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Join(topic string, sub Subscriber) error
	Leave(topic string, sub Subscriber)
	IsConnected() bool
	Close() error
}
