package session

import (
	"context"
	"sync"

	"github.com/adred-codev/presenced/internal/bus"
	"github.com/adred-codev/presenced/internal/graph"
)

type fakeBus struct {
	mu     sync.Mutex
	joined map[string]map[bus.Subscriber]struct{}
	pubs   []bus.Envelope
}

func newFakeBus() *fakeBus {
	return &fakeBus{joined: make(map[string]map[bus.Subscriber]struct{})}
}

func (f *fakeBus) Publish(_ context.Context, topic string, env bus.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, env)
	for sub := range f.joined[topic] {
		sub.Deliver(env)
	}
	return nil
}

func (f *fakeBus) Join(topic string, sub bus.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined[topic] == nil {
		f.joined[topic] = make(map[bus.Subscriber]struct{})
	}
	f.joined[topic][sub] = struct{}{}
	return nil
}

func (f *fakeBus) Leave(topic string, sub bus.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined[topic], sub)
}

func (f *fakeBus) IsConnected() bool { return true }
func (f *fakeBus) Close() error      { return nil }

func (f *fakeBus) published() []bus.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bus.Envelope, len(f.pubs))
	copy(out, f.pubs)
	return out
}

func (f *fakeBus) members(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joined[topic])
}

type fakeGraph struct {
	mu      sync.Mutex
	mutuals map[[2]int64]bool
	users   map[int64]string
	err     error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		mutuals: make(map[[2]int64]bool),
		users:   make(map[int64]string),
	}
}

func (f *fakeGraph) addUser(id int64, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[id] = name
}

func (f *fakeGraph) setMutual(a, b int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a > b {
		a, b = b, a
	}
	f.mutuals[[2]int64{a, b}] = true
}

func (f *fakeGraph) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeGraph) IsMutual(_ context.Context, a, b int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if a > b {
		a, b = b, a
	}
	return f.mutuals[[2]int64{a, b}], nil
}

func (f *fakeGraph) Mutuals(_ context.Context, userID int64, limit int) ([]graph.Mutual, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	out := []graph.Mutual{}
	for pair, ok := range f.mutuals {
		if !ok {
			continue
		}
		var other int64
		switch userID {
		case pair[0]:
			other = pair[1]
		case pair[1]:
			other = pair[0]
		default:
			continue
		}
		out = append(out, graph.Mutual{UserID: other, ProfileName: f.users[other]})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeGraph) Exists(_ context.Context, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.users[userID]
	return ok, nil
}
