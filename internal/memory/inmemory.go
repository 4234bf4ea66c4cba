package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore keeps sessions in process memory. Used by tests and the
// terminal chat mode; mirrors the versioned-write semantics of the Redis
// store (writes are serialized, version increments per write).
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]Record)}
}

func (s *InMemoryStore) GetOrCreate(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		rec = newRecord(time.Now().UTC())
		s.sessions[id] = rec
	}
	return cloneRecord(rec), nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, id string, msg interface{}) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.mutate(id, func(rec *Record) {
		rec.Conversation = append(rec.Conversation, raw)
	})
	return nil
}

func (s *InMemoryStore) UpdateState(ctx context.Context, id string, key string, value interface{}) error {
	s.mutate(id, func(rec *Record) {
		rec.State[key] = value
	})
	return nil
}

func (s *InMemoryStore) GetState(ctx context.Context, id string, key string) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, false, nil
	}
	v, present := rec.State[key]
	return v, present, nil
}

func (s *InMemoryStore) mutate(id string, fn func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		rec = newRecord(time.Now().UTC())
	}
	fn(&rec)
	rec.Version++
	rec.UpdatedAt = time.Now().UTC()
	s.sessions[id] = rec
}

func cloneRecord(rec Record) Record {
	out := rec
	out.State = make(map[string]interface{}, len(rec.State))
	for k, v := range rec.State {
		out.State[k] = v
	}
	out.Conversation = append([]json.RawMessage(nil), rec.Conversation...)
	return out
}
