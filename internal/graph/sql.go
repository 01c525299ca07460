package graph

import (
	"context"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const (
	followEdgeQuery = `SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?)`

	userExistsQuery = `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`

	mutualsQuery = `
		SELECT u.id, u.profile_name
		FROM follows f
		JOIN follows r ON r.follower_id = f.followee_id AND r.followee_id = f.follower_id
		JOIN users u ON u.id = f.followee_id
		WHERE f.follower_id = ?
		ORDER BY u.id
		LIMIT ?`
)

// SQLStore reads the follow graph from MySQL.
type SQLStore struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// Open connects to the graph database and verifies the connection.
func Open(dsn string, logger zerolog.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("graph connect: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &SQLStore{
		db:     db,
		logger: logger.With().Str("component", "graph").Logger(),
	}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
}

// IsMutual checks the forward edge first and skips the reverse lookup when it
// is absent.
func (s *SQLStore) IsMutual(ctx context.Context, a, b int64) (bool, error) {
	var forward bool
	if err := s.db.GetContext(ctx, &forward, followEdgeQuery, a, b); err != nil {
		return false, wrapErr("follow edge", err)
	}
	if !forward {
		return false, nil
	}

	var back bool
	if err := s.db.GetContext(ctx, &back, followEdgeQuery, b, a); err != nil {
		return false, wrapErr("follow edge", err)
	}
	return back, nil
}

func (s *SQLStore) Mutuals(ctx context.Context, userID int64, limit int) ([]Mutual, error) {
	mutuals := []Mutual{}
	if err := s.db.SelectContext(ctx, &mutuals, mutualsQuery, userID, limit); err != nil {
		return nil, wrapErr("mutuals", err)
	}
	return mutuals, nil
}

func (s *SQLStore) Exists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists, userExistsQuery, userID); err != nil {
		return false, wrapErr("user exists", err)
	}
	return exists, nil
}
