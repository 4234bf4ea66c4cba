package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// Canonical event types delivered to subscribers.
const (
	TypeSessionInfo      = "session_info"
	TypeThinking         = "thinking"
	TypePlan             = "plan"
	TypeStep             = "step"
	TypeExecutingStep    = "executing_step"
	TypeToolUsage        = "tool_usage"
	TypeCuaEvent         = "cua_event"
	TypeCuaReasoning     = "cua_reasoning"
	TypeCuaClarification = "cua_clarification"
	TypeBrowserStarted   = "browser_started"
	TypeClarification    = "clarification"
	TypeFinalizing       = "finalizing"
	TypeComplete         = "complete"
	TypeError            = "error"
	TypePong             = "pong"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Handler receives one event. An error (or panic) is logged and does not
// affect delivery to the remaining handlers.
type Handler func(ctx context.Context, ev Event) error

// Subscription identifies one registered handler for later removal.
type Subscription struct {
	id        uint64
	eventType string
	sink      bool
}

type registration struct {
	id      uint64
	handler Handler
}

// Bus is a process-wide publish/subscribe registry. Typed handlers are
// invoked before sink handlers; within each group registration order is
// preserved. Delivery is synchronous per Publish call.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[string][]registration
	sinks  []registration
	logger *log.Logger
}

// NewBus creates an empty bus. Each component owning a bus should create
// its own instance; there is no package-level default.
func NewBus() *Bus {
	return &Bus{
		byType: make(map[string][]registration),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byType[eventType] = append(b.byType[eventType], registration{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, eventType: eventType}
}

// SubscribeAll registers a sink handler that receives every event
// regardless of type. Sinks run after all typed handlers.
func (b *Bus) SubscribeAll(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.sinks = append(b.sinks, registration{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, sink: true}
}

// Unsubscribe removes a previously registered handler. Removing an
// unknown subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.sink {
		b.sinks = removeRegistration(b.sinks, sub.id)
		return
	}
	b.byType[sub.eventType] = removeRegistration(b.byType[sub.eventType], sub.id)
}

func removeRegistration(regs []registration, id uint64) []registration {
	for i, r := range regs {
		if r.id == id {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}

// Publish delivers one event to all typed handlers for eventType, then to
// all sinks. A failing handler is logged and skipped; it never prevents
// delivery to subsequent handlers or surfaces to the publisher.
func (b *Bus) Publish(ctx context.Context, eventType string, data interface{}) {
	ev := Event{Type: eventType, Data: Normalize(data)}

	b.mu.RLock()
	typed := make([]registration, len(b.byType[eventType]))
	copy(typed, b.byType[eventType])
	sinks := make([]registration, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, r := range typed {
		b.invoke(ctx, r, ev)
	}
	for _, r := range sinks {
		b.invoke(ctx, r, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Printf("handler panic on %s: %v", ev.Type, rec)
		}
	}()
	if err := r.handler(ctx, ev); err != nil {
		b.logger.Printf("handler error on %s: %v", ev.Type, err)
	}
}

// Normalize coerces an arbitrary payload into a JSON-serializable mapping
// so downstream transports never fail on encode. Non-mapping or
// non-serializable payloads become {message: <string form>}.
func Normalize(data interface{}) map[string]interface{} {
	switch v := data.(type) {
	case nil:
		return map[string]interface{}{}
	case map[string]interface{}:
		if _, err := json.Marshal(v); err == nil {
			return v
		}
		return map[string]interface{}{"message": fmt.Sprintf("%v", v)}
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return map[string]interface{}{"message": fmt.Sprintf("%v", v)}
		}
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return map[string]interface{}{"message": fmt.Sprintf("%v", v)}
		}
		return m
	}
}
