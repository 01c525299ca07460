package session

import (
	"encoding/json"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
)

// handleMessage dispatches one inbound frame. Unknown or malformed frames
// get a protocol error reply; the socket stays open.
func (e *Endpoint) handleMessage(c *Client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(errorFrame{Kind: KindError, Reason: ErrorBadMessage})
		return
	}

	monitoring.IncrementMessageReceived(msg.Kind)

	switch msg.Kind {
	case KindHeartbeat:
		e.handleHeartbeat(c)
	case KindAway:
		e.handleSemantic(c, presence.StatusAway)
	case KindActive:
		e.handleSemantic(c, presence.StatusOnline)
	case KindSubscribe:
		e.handleSubscribe(c, msg.TargetUserID)
	case KindUnsubscribe:
		e.handleUnsubscribe(c, msg.TargetUserID)
	default:
		c.enqueue(errorFrame{Kind: KindError, Reason: ErrorUnknownType})
	}
}

func (e *Endpoint) handleHeartbeat(c *Client) {
	now := e.now()

	eff, err := e.store.RecordHeartbeat(e.ctx, c.userID, now)
	if err != nil {
		// Transient by construction; the next beat retries.
		c.logger.Warn().Err(err).Msg("heartbeat write failed")
		return
	}

	if eff.Kind == presence.EffectIgnored {
		monitoring.IncrementHeartbeatRateLimited()
		return
	}
	monitoring.IncrementHeartbeatAccepted()

	if eff.Transition() {
		e.publish(c.userID, eff.Status, now)
	}
}

func (e *Endpoint) handleSemantic(c *Client, target presence.Status) {
	now := e.now()

	eff, err := e.store.SetSemantic(e.ctx, c.userID, target, now)
	if err != nil {
		c.logger.Warn().Err(err).Str("target", target.String()).Msg("semantic change failed")
		return
	}

	if eff.Transition() {
		e.publish(c.userID, eff.Status, now)
	}
}

func (e *Endpoint) handleSubscribe(c *Client, target int64) {
	if target <= 0 {
		c.enqueue(errorFrame{Kind: KindError, Reason: ErrorBadMessage})
		return
	}

	// Repeated subscribes just refresh the snapshot.
	if c.joined(target) {
		e.ackSubscribe(c, target)
		return
	}

	if target != c.userID {
		if c.watchedCount() >= e.maxSubscriptions {
			e.denySubscribe(c, target, DenyTooManySubscriptions)
			return
		}

		exists, err := e.graph.Exists(e.ctx, target)
		if err != nil {
			// Fail closed: an unreachable graph authorizes nothing.
			c.logger.Warn().Err(err).Int64("target", target).Msg("graph lookup failed")
			e.denySubscribe(c, target, DenyNotMutual)
			return
		}
		if !exists {
			e.denySubscribe(c, target, DenyUserNotFound)
			return
		}

		mutual, err := e.graph.IsMutual(e.ctx, c.userID, target)
		if err != nil {
			c.logger.Warn().Err(err).Int64("target", target).Msg("graph lookup failed")
			e.denySubscribe(c, target, DenyNotMutual)
			return
		}
		if !mutual {
			e.denySubscribe(c, target, DenyNotMutual)
			return
		}
	}

	if err := e.bus.Join(bus.StatusTopic(target), c); err != nil {
		c.logger.Error().Err(err).Int64("target", target).Msg("topic join failed")
		c.enqueue(errorFrame{Kind: KindError, Reason: ErrorSubscribeFailed})
		return
	}
	c.join(target)
	monitoring.AddSubscriptions(1)

	e.ackSubscribe(c, target)
}

// ackSubscribe replies with the target's current status and seeds the outbox
// watermark so fanout older than the snapshot is discarded.
func (e *Endpoint) ackSubscribe(c *Client, target int64) {
	now := e.now()

	status, ts, err := e.store.EffectiveStatus(e.ctx, target, now)
	if err != nil {
		// The degraded values (offline, now) are still a valid snapshot.
		c.logger.Warn().Err(err).Int64("target", target).Msg("snapshot read failed")
	}

	c.outbox.seed(target, ts)
	c.enqueue(subscribeAckFrame{
		Kind:         KindSubscribeAck,
		TargetUserID: target,
		Current:      currentStatus{Status: status, TS: ts},
	})
}

func (e *Endpoint) denySubscribe(c *Client, target int64, reason string) {
	monitoring.IncrementSubscribeDenied(reason)
	c.enqueue(subscribeDeniedFrame{Kind: KindSubscribeDenied, TargetUserID: target, Reason: reason})
}

func (e *Endpoint) handleUnsubscribe(c *Client, target int64) {
	if target <= 0 {
		c.enqueue(errorFrame{Kind: KindError, Reason: ErrorBadMessage})
		return
	}

	// The self topic lives as long as the socket.
	if target == c.userID {
		return
	}

	if !c.leave(target) {
		return
	}

	e.bus.Leave(bus.StatusTopic(target), c)
	c.outbox.forget(target)
	monitoring.AddSubscriptions(-1)
}

// publish sends one transition envelope to the subject's topic.
func (e *Endpoint) publish(userID int64, status presence.Status, ts float64) {
	env := bus.Envelope{Kind: bus.KindStatusChanged, UserID: userID, Status: status, TS: ts}
	if err := e.bus.Publish(e.ctx, bus.StatusTopic(userID), env); err != nil {
		e.logger.Warn().Err(err).Int64("user_id", userID).Msg("transition publish failed")
		return
	}
	monitoring.IncrementTransitionPublished(status.String())
}
