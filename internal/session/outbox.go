package session

import (
	"sync"

	"github.com/adred-codev/presenced/internal/bus"
)

type pushResult int

const (
	pushQueued pushResult = iota
	pushReplaced
	pushStale
)

// statusOutbox holds at most one pending status frame per subject user. A
// burst of transitions collapses to the newest state instead of backing up
// the socket, and envelopes older than what the client has already been told
// are discarded outright.
type statusOutbox struct {
	mu        sync.Mutex
	pending   map[int64]bus.Envelope
	order     []int64
	watermark map[int64]float64
	signal    chan struct{}
}

func newStatusOutbox() *statusOutbox {
	return &statusOutbox{
		pending:   make(map[int64]bus.Envelope),
		watermark: make(map[int64]float64),
		signal:    make(chan struct{}, 1),
	}
}

// seed records the timestamp a subscribe snapshot reported, so envelopes
// that raced the snapshot and lost are not replayed to the client.
func (o *statusOutbox) seed(userID int64, ts float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ts > o.watermark[userID] {
		o.watermark[userID] = ts
	}
}

// push enqueues an envelope, replacing any pending one for the same user.
func (o *statusOutbox) push(env bus.Envelope) pushResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if wm, ok := o.watermark[env.UserID]; ok && env.TS < wm {
		return pushStale
	}
	o.watermark[env.UserID] = env.TS

	if _, ok := o.pending[env.UserID]; ok {
		o.pending[env.UserID] = env
		o.notify()
		return pushReplaced
	}

	o.pending[env.UserID] = env
	o.order = append(o.order, env.UserID)
	o.notify()
	return pushQueued
}

// pop removes and returns the oldest pending envelope.
func (o *statusOutbox) pop() (bus.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.order) > 0 {
		userID := o.order[0]
		o.order = o.order[1:]
		env, ok := o.pending[userID]
		if !ok {
			// forgotten between push and pop
			continue
		}
		delete(o.pending, userID)
		return env, true
	}
	return bus.Envelope{}, false
}

// forget drops the pending envelope and watermark of an unsubscribed user.
func (o *statusOutbox) forget(userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, userID)
	delete(o.watermark, userID)
}

// wake signals when the outbox goes from empty to non-empty (and on
// replacements); the write pump drains fully on each wake.
func (o *statusOutbox) wake() <-chan struct{} {
	return o.signal
}

func (o *statusOutbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
