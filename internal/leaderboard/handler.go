// Package leaderboard answers the synchronous "who is online among my
// mutuals" query.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/adred-codev/presenced/internal/auth"
	"github.com/adred-codev/presenced/internal/graph"
	"github.com/adred-codev/presenced/internal/monitoring"
	"github.com/adred-codev/presenced/internal/presence"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Friend is one row of the response: a mutual of the requester together
// with their effective presence.
type Friend struct {
	UserID      int64           `json:"user_id"`
	ProfileName string          `json:"profile_name"`
	Status      presence.Status `json:"status"`
	LastSeen    float64         `json:"last_seen"`
}

type response struct {
	Friends []Friend `json:"friends"`
}

// Store is the presence read slice the handler needs.
type Store interface {
	EffectiveStatusBatch(ctx context.Context, userIDs []int64, now float64) ([]presence.UserStatus, error)
}

type Handler struct {
	store  Store
	graph  graph.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

func NewHandler(store Store, g graph.Store, clock clockwork.Clock, logger zerolog.Logger) *Handler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		store:  store,
		graph:  g,
		clock:  clock,
		logger: logger.With().Str("component", "leaderboard").Logger(),
	}
}

// ServeHTTP handles GET /presence/leaderboard?limit=N. It expects claims in
// the request context, so mount it behind auth.Manager.Middleware.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		monitoring.IncrementLeaderboardRequest("405")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		monitoring.IncrementLeaderboardRequest("401")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		monitoring.IncrementLeaderboardRequest("400")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The full mutual set is ranked before the limit is applied; trimming
	// first could cut an online friend in favor of a stale offline one.
	mutuals, err := h.graph.Mutuals(r.Context(), claims.UserID, maxLimit)
	if err != nil {
		monitoring.IncrementLeaderboardRequest("503")
		h.logger.Warn().Err(err).Int64("user_id", claims.UserID).Msg("mutuals lookup failed")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	ids := make([]int64, len(mutuals))
	names := make(map[int64]string, len(mutuals))
	for i, m := range mutuals {
		ids[i] = m.UserID
		names[m.UserID] = m.ProfileName
	}

	now := float64(h.clock.Now().UnixNano()) / float64(time.Second)
	statuses, err := h.store.EffectiveStatusBatch(r.Context(), ids, now)
	if err != nil {
		monitoring.IncrementLeaderboardRequest("503")
		h.logger.Warn().Err(err).Int64("user_id", claims.UserID).Msg("status batch failed")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	friends := make([]Friend, len(statuses))
	for i, st := range statuses {
		friends[i] = Friend{
			UserID:      st.UserID,
			ProfileName: names[st.UserID],
			Status:      st.Status,
			LastSeen:    st.TS,
		}
	}
	sortFriends(friends)
	if len(friends) > limit {
		friends = friends[:limit]
	}

	monitoring.IncrementLeaderboardRequest("200")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response{Friends: friends})
}

// sortFriends ranks online users first. Everyone else orders by recency
// alone, so a fresh away outranks a long-gone offline.
func sortFriends(friends []Friend) {
	sort.SliceStable(friends, func(i, j int) bool {
		iOnline := friends[i].Status == presence.StatusOnline
		jOnline := friends[j].Status == presence.StatusOnline
		if iOnline != jOnline {
			return iOnline
		}
		return friends[i].LastSeen > friends[j].LastSeen
	})
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxLimit {
		return 0, fmt.Errorf("limit must be an integer in 1..%d", maxLimit)
	}
	return limit, nil
}
