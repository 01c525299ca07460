package presence

import (
	"fmt"
	"strconv"
)

// Field names of the per-user state map. All values are stored as strings.
const (
	fieldStatus          = "status"
	fieldUpdatedTS       = "updated_ts"
	fieldLastHeartbeatTS = "last_heartbeat_ts"
	fieldLastSeenTS      = "last_seen_ts"
)

// Keys resolves KV key names. The scored set may be sharded; every operation
// touching a user must resolve to the same shard.
type Keys struct {
	SetPrefix   string
	StatePrefix string
	Shards      int
}

// SetKey returns the scored-set key holding the user's heartbeat record.
// With a single shard the bare prefix is used; otherwise the shard index is
// normalized into [0, Shards) whatever the sign of the id, so every key it
// produces is one the reaper scans.
func (k Keys) SetKey(userID int64) string {
	if k.Shards <= 1 {
		return k.SetPrefix
	}
	n := int64(k.Shards)
	return fmt.Sprintf("%s:%d", k.SetPrefix, ((userID%n)+n)%n)
}

// ShardKey returns the scored-set key of one shard index.
func (k Keys) ShardKey(shard int) string {
	if k.Shards <= 1 {
		return k.SetPrefix
	}
	return fmt.Sprintf("%s:%d", k.SetPrefix, shard)
}

// ShardCount returns the number of scored-set shards, at least one.
func (k Keys) ShardCount() int {
	if k.Shards <= 1 {
		return 1
	}
	return k.Shards
}

// StateKey returns the field-map key of one user.
func (k Keys) StateKey(userID int64) string {
	return fmt.Sprintf("%s:%d", k.StatePrefix, userID)
}

// Member returns the scored-set member string for a user.
func Member(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

// ParseMember converts a scored-set member back to a user id.
func ParseMember(member string) (int64, error) {
	return strconv.ParseInt(member, 10, 64)
}
