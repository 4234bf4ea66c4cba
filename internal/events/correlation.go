package events

import (
	"context"
	"log"
	"sync"
	"time"
)

// Correlator is a registry of named FIFO queues used for one-shot
// request/response handshakes (clarification replies, browser control
// handoff). Queues are created lazily by whichever side touches the id
// first; producer-first is valid. Queues idle longer than the configured
// TTL with no blocked receiver are dropped by a background janitor.
type Correlator struct {
	mu     sync.Mutex
	queues map[string]*corrQueue
	ttl    time.Duration
	done   chan struct{}
	closed bool
	logger *log.Logger
}

type corrQueue struct {
	mu      sync.Mutex
	items   []interface{}
	notify  chan struct{}
	touched time.Time
	waiters int
}

// DefaultQueueTTL is how long an untouched queue survives before the
// janitor reclaims it.
const DefaultQueueTTL = 15 * time.Minute

// NewCorrelator creates a registry and starts its cleanup janitor.
// A non-positive ttl disables cleanup. Call Close when done.
func NewCorrelator(ttl time.Duration) *Correlator {
	c := &Correlator{
		queues: make(map[string]*corrQueue),
		ttl:    ttl,
		done:   make(chan struct{}),
		logger: log.New(log.Writer(), "[CORRELATOR] ", log.LstdFlags),
	}
	if ttl > 0 {
		go c.janitor()
	}
	return c
}

// Close stops the janitor. Pending receivers keep waiting until their own
// timeout elapses.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *Correlator) getOrCreate(id string) *corrQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[id]
	if !ok {
		q = &corrQueue{notify: make(chan struct{}, 1), touched: time.Now()}
		c.queues[id] = q
	}
	return q
}

// Send enqueues a message for id, creating the queue if needed. It never
// blocks. Callers pair at most one outstanding exchange per id; a second
// Send before the first is consumed queues behind it.
func (c *Correlator) Send(id string, msg interface{}) {
	q := c.getOrCreate(id)
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.touched = time.Now()
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Receive blocks until a message arrives on id or timeout elapses. The
// second return is false on timeout or context cancellation; the caller
// applies its own default policy (no error is produced).
func (c *Correlator) Receive(ctx context.Context, id string, timeout time.Duration) (interface{}, bool) {
	q := c.getOrCreate(id)

	q.mu.Lock()
	q.waiters++
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.waiters--
		q.touched = time.Now()
		q.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// TryReceive pops a message if one is already queued, without blocking.
func (c *Correlator) TryReceive(id string) (interface{}, bool) {
	c.mu.Lock()
	q, ok := c.queues[id]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	q.touched = time.Now()
	return msg, true
}

// Drop removes a queue and any unconsumed messages.
func (c *Correlator) Drop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, id)
}

func (c *Correlator) janitor() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *Correlator) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.queues {
		q.mu.Lock()
		stale := q.waiters == 0 && now.Sub(q.touched) > c.ttl
		pending := len(q.items)
		q.mu.Unlock()
		if stale {
			if pending > 0 {
				c.logger.Printf("dropping stale queue %s with %d unconsumed messages", id, pending)
			}
			delete(c.queues, id)
		}
	}
}
