package presence

// Status is a user's reported presence. The liveness scored set decides
// between offline and the semantic states; the field map only distinguishes
// online from away while a live heartbeat record exists.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// EffectKind classifies what a store operation did.
type EffectKind int

const (
	// EffectIgnored means the operation was dropped (rate limited heartbeat,
	// semantic change while not effectively online).
	EffectIgnored EffectKind = iota

	// EffectUnchanged means the state already matched (same semantic status,
	// aborted offline confirmation).
	EffectUnchanged

	// EffectRefreshed means a heartbeat extended liveness without changing
	// the observable status.
	EffectRefreshed

	// EffectTransitioned means the observable status changed; callers publish
	// exactly one envelope for it.
	EffectTransitioned
)

// Effect is the outcome of a presence store operation. Status is set when
// Kind is EffectTransitioned.
type Effect struct {
	Kind   EffectKind
	Status Status
}

// Transition reports whether the operation produced an observable status
// change. Publishing only on transitions is the debounce that keeps each
// heartbeat window silent after the first announcement.
func (e Effect) Transition() bool {
	return e.Kind == EffectTransitioned
}

func transitionedTo(s Status) Effect {
	return Effect{Kind: EffectTransitioned, Status: s}
}
