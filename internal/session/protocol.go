package session

import "github.com/adred-codev/presenced/internal/presence"

// Inbound message kinds.
const (
	KindHeartbeat   = "presence.heartbeat"
	KindAway        = "presence.away"
	KindActive      = "presence.active"
	KindSubscribe   = "presence.subscribe"
	KindUnsubscribe = "presence.unsubscribe"
)

// Outbound message kinds.
const (
	KindConnected       = "presence.connected"
	KindStatus          = "presence.status"
	KindSubscribeAck    = "presence.subscribe.ack"
	KindSubscribeDenied = "presence.subscribe.denied"
	KindError           = "presence.error"
)

// Subscribe denial reasons.
const (
	DenyNotMutual            = "not_mutual"
	DenyTooManySubscriptions = "too_many_subscriptions"
	DenyUserNotFound         = "user_not_found"
)

// Error reasons.
const (
	ErrorBadMessage      = "bad_message"
	ErrorUnknownType     = "unknown_type"
	ErrorSubscribeFailed = "subscribe_failed"
)

// ClientMessage is the single inbound frame shape; TargetUserID is only
// meaningful for subscribe and unsubscribe.
type ClientMessage struct {
	Kind         string `json:"type"`
	TargetUserID int64  `json:"target_user_id,omitempty"`
}

type connectedFrame struct {
	Kind   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type statusFrame struct {
	Kind   string          `json:"type"`
	UserID int64           `json:"user_id"`
	Status presence.Status `json:"status"`
	TS     float64         `json:"ts"`
}

type currentStatus struct {
	Status presence.Status `json:"status"`
	TS     float64         `json:"ts"`
}

type subscribeAckFrame struct {
	Kind         string        `json:"type"`
	TargetUserID int64         `json:"target_user_id"`
	Current      currentStatus `json:"current"`
}

type subscribeDeniedFrame struct {
	Kind         string `json:"type"`
	TargetUserID int64  `json:"target_user_id"`
	Reason       string `json:"reason"`
}

type errorFrame struct {
	Kind   string `json:"type"`
	Reason string `json:"reason"`
}
