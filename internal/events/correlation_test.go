package events

import (
	"context"
	"testing"
	"time"
)

func TestReceiveProducerFirst(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()

	c.Send("clar-1", "yes, proceed")
	msg, ok := c.Receive(context.Background(), "clar-1", time.Second)
	if !ok {
		t.Fatal("expected message, got timeout")
	}
	if msg != "yes, proceed" {
		t.Fatalf("got %v", msg)
	}
}

func TestReceiveConsumerFirst(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		c.Send("clar-2", "answer")
	}()

	msg, ok := c.Receive(context.Background(), "clar-2", time.Second)
	if !ok {
		t.Fatal("expected message, got timeout")
	}
	if msg != "answer" {
		t.Fatalf("got %v", msg)
	}
}

func TestReceiveTimeoutReturnsSentinel(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()

	start := time.Now()
	msg, ok := c.Receive(context.Background(), "nobody-answers", 50*time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatalf("expected timeout, got %v", msg)
	}
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took %v, want ~50ms", elapsed)
	}
}

func TestSendQueuesFIFO(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()

	c.Send("q", "first")
	c.Send("q", "second")

	msg, _ := c.Receive(context.Background(), "q", time.Second)
	if msg != "first" {
		t.Fatalf("got %v, want first", msg)
	}
	msg, _ = c.Receive(context.Background(), "q", time.Second)
	if msg != "second" {
		t.Fatalf("got %v, want second", msg)
	}
}

func TestSweepDropsIdleQueues(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()
	c.ttl = 10 * time.Millisecond

	c.Send("stale", "never consumed")
	time.Sleep(20 * time.Millisecond)
	c.sweep(time.Now())

	c.mu.Lock()
	_, exists := c.queues["stale"]
	c.mu.Unlock()
	if exists {
		t.Fatal("idle queue survived the sweep")
	}
}

func TestSweepKeepsQueuesWithWaiters(t *testing.T) {
	c := NewCorrelator(0)
	defer c.Close()
	c.ttl = time.Nanosecond

	done := make(chan struct{})
	go func() {
		c.Receive(context.Background(), "waited-on", 200*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	c.sweep(time.Now())

	c.mu.Lock()
	_, exists := c.queues["waited-on"]
	c.mu.Unlock()
	if !exists {
		t.Fatal("queue with a blocked receiver was swept")
	}
	<-done
}
