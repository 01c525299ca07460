// Package graph answers follow-graph queries for subscription authorization
// and the leaderboard. The durable store lives elsewhere; this package only
// reads it.
package graph

import (
	"context"
	"errors"
)

// ErrUnavailable marks a graph store that could not be reached. Callers treat
// it as authorization denied rather than letting subscribes hang.
var ErrUnavailable = errors.New("graph: unavailable")

// Mutual is one user who follows the requester and is followed back.
type Mutual struct {
	UserID      int64  `db:"id"`
	ProfileName string `db:"profile_name"`
}

// Store answers follow-graph queries.
type Store interface {
	// IsMutual reports whether a and b follow each other.
	IsMutual(ctx context.Context, a, b int64) (bool, error)

	// Mutuals lists up to limit users mutually followed with userID, in
	// stable order.
	Mutuals(ctx context.Context, userID int64, limit int) ([]Mutual, error)

	// Exists reports whether the user id is known at all.
	Exists(ctx context.Context, userID int64) (bool, error)
}
