package events

import (
	"context"
	"errors"
	"testing"
)

func TestSinkReceivesEveryEventInOrder(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	// A failing typed handler must not disturb sink delivery.
	bus.Subscribe(TypeStep, func(ctx context.Context, ev Event) error {
		return errors.New("boom")
	})

	var got []string
	bus.SubscribeAll(func(ctx context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	})

	published := []string{TypeThinking, TypePlan, TypeStep, TypeFinalizing, TypeComplete}
	for _, et := range published {
		bus.Publish(ctx, et, map[string]interface{}{"n": 1})
	}

	if len(got) != len(published) {
		t.Fatalf("sink saw %d events, want %d", len(got), len(published))
	}
	for i, et := range published {
		if got[i] != et {
			t.Fatalf("event %d: got %s, want %s", i, got[i], et)
		}
	}
}

func TestTypedHandlersRunBeforeSinks(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.SubscribeAll(func(ctx context.Context, ev Event) error {
		order = append(order, "sink")
		return nil
	})
	bus.Subscribe(TypeComplete, func(ctx context.Context, ev Event) error {
		order = append(order, "typed-1")
		return nil
	})
	bus.Subscribe(TypeComplete, func(ctx context.Context, ev Event) error {
		order = append(order, "typed-2")
		return nil
	})

	bus.Publish(context.Background(), TypeComplete, nil)

	want := []string{"typed-1", "typed-2", "sink"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order: got %v, want %v", order, want)
		}
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(TypeError, func(ctx context.Context, ev Event) error {
		panic("handler bug")
	})
	delivered := 0
	bus.Subscribe(TypeError, func(ctx context.Context, ev Event) error {
		delivered++
		return nil
	})
	bus.SubscribeAll(func(ctx context.Context, ev Event) error {
		delivered++
		return nil
	})

	bus.Publish(context.Background(), TypeError, map[string]interface{}{"message": "x"})

	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0
	sub := bus.SubscribeAll(func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	bus.Publish(context.Background(), TypePong, nil)
	bus.Unsubscribe(sub)
	bus.Publish(context.Background(), TypePong, nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestNormalizeWrapsNonMappingPayloads(t *testing.T) {
	m := Normalize("plain text")
	if m["message"] != "plain text" {
		t.Fatalf("string payload: got %v", m)
	}

	m = Normalize(42)
	if m["message"] != "42" {
		t.Fatalf("int payload: got %v", m)
	}

	// Channels cannot be serialized; the wrapper must still be a mapping.
	m = Normalize(map[string]interface{}{"ch": make(chan int)})
	if _, ok := m["message"]; !ok {
		t.Fatalf("non-serializable payload not wrapped: %v", m)
	}

	m = Normalize(map[string]interface{}{"current": 1, "total": 3})
	if m["current"] != 1 || m["total"] != 3 {
		t.Fatalf("mapping payload altered: %v", m)
	}
}
