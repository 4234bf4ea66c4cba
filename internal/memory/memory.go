package memory

import (
	"context"
	"encoding/json"
	"time"
)

// SessionTTL is the default lifetime of a session record. Every write
// refreshes it.
const SessionTTL = 24 * time.Hour

// Record is the persisted shape of one session. Conversation entries are
// kept as raw JSON so the store stays agnostic of the agent's message
// variants. Version increments on every successful write and backs the
// compare-and-swap update path.
type Record struct {
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	Version      int64                  `json:"version"`
	State        map[string]interface{} `json:"state"`
	Conversation []json.RawMessage      `json:"conversation"`
}

func newRecord(now time.Time) Record {
	return Record{
		CreatedAt:    now,
		UpdatedAt:    now,
		State:        map[string]interface{}{},
		Conversation: []json.RawMessage{},
	}
}

// Store is the session persistence adapter. GetOrCreate initializes a
// record on first contact; all mutating calls refresh the TTL.
type Store interface {
	// GetOrCreate returns the session record for id, creating an empty
	// one if none exists.
	GetOrCreate(ctx context.Context, id string) (Record, error)

	// Get returns the record and whether it exists.
	Get(ctx context.Context, id string) (Record, bool, error)

	// AppendMessage appends one conversation entry. msg is marshaled to
	// JSON before storage.
	AppendMessage(ctx context.Context, id string, msg interface{}) error

	// UpdateState sets one state key (last-write-wins per key).
	UpdateState(ctx context.Context, id string, key string, value interface{}) error

	// GetState reads one state key; the second return reports presence.
	GetState(ctx context.Context, id string, key string) (interface{}, bool, error)
}
