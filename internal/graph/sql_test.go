package graph

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These exercise the real queries and need a live MySQL. Point GRAPH_TEST_DSN
// at a scratch database to run them; they create the two tables if missing and
// clean up their own rows.
const (
	testUserAda  int64 = 9000000001
	testUserBrin int64 = 9000000002
	testUserCole int64 = 9000000003
	testUserDena int64 = 9000000004
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	dsn := os.Getenv("GRAPH_TEST_DSN")
	if dsn == "" {
		t.Skip("GRAPH_TEST_DSN not set")
	}

	s, err := Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGraph(t *testing.T, s *SQLStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		id BIGINT NOT NULL PRIMARY KEY,
		profile_name VARCHAR(255) NOT NULL
	)`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS follows (
		follower_id BIGINT NOT NULL,
		followee_id BIGINT NOT NULL,
		PRIMARY KEY (follower_id, followee_id)
	)`)
	require.NoError(t, err)

	cleanup := func() {
		s.db.ExecContext(ctx, `DELETE FROM follows WHERE follower_id BETWEEN ? AND ?`, testUserAda, testUserDena)
		s.db.ExecContext(ctx, `DELETE FROM users WHERE id BETWEEN ? AND ?`, testUserAda, testUserDena)
	}
	cleanup()
	t.Cleanup(cleanup)

	users := []struct {
		id   int64
		name string
	}{
		{testUserAda, "ada"},
		{testUserBrin, "brin"},
		{testUserCole, "cole"},
		{testUserDena, "dena"},
	}
	for _, u := range users {
		_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, profile_name) VALUES (?, ?)`, u.id, u.name)
		require.NoError(t, err)
	}

	// ada<->brin and ada<->dena are mutual; ada->cole is one way.
	edges := [][2]int64{
		{testUserAda, testUserBrin},
		{testUserBrin, testUserAda},
		{testUserAda, testUserDena},
		{testUserDena, testUserAda},
		{testUserAda, testUserCole},
	}
	for _, e := range edges {
		_, err := s.db.ExecContext(ctx, `INSERT INTO follows (follower_id, followee_id) VALUES (?, ?)`, e[0], e[1])
		require.NoError(t, err)
	}
}

func TestSQLStoreIsMutual(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	mutual, err := s.IsMutual(ctx, testUserAda, testUserBrin)
	require.NoError(t, err)
	assert.True(t, mutual)

	mutual, err = s.IsMutual(ctx, testUserBrin, testUserAda)
	require.NoError(t, err)
	assert.True(t, mutual)

	// Forward edge only.
	mutual, err = s.IsMutual(ctx, testUserAda, testUserCole)
	require.NoError(t, err)
	assert.False(t, mutual)

	// No forward edge; the reverse lookup is short-circuited.
	mutual, err = s.IsMutual(ctx, testUserCole, testUserAda)
	require.NoError(t, err)
	assert.False(t, mutual)
}

func TestSQLStoreExists(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	exists, err := s.Exists(ctx, testUserCole)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, testUserDena+1000)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLStoreMutuals(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	mutuals, err := s.Mutuals(ctx, testUserAda, 10)
	require.NoError(t, err)
	assert.Equal(t, []Mutual{
		{UserID: testUserBrin, ProfileName: "brin"},
		{UserID: testUserDena, ProfileName: "dena"},
	}, mutuals, "mutual rows only, in id order")

	one, err := s.Mutuals(ctx, testUserAda, 1)
	require.NoError(t, err)
	assert.Equal(t, []Mutual{{UserID: testUserBrin, ProfileName: "brin"}}, one)

	// cole only has an inbound edge.
	none, err := s.Mutuals(ctx, testUserCole, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
