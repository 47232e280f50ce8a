package device

import (
	"sync"
	"time"
)

// Coalescer collects events and flushes them once, a fixed interval after
// the first event of a batch.
type Coalescer struct {
	mu       sync.Mutex
	events   []Event
	interval time.Duration
	timer    *time.Timer
	started  bool
	closed   bool
	onFlush  func([]Event)
}

// NewCoalescer creates a Coalescer calling onFlush with each batch.
func NewCoalescer(interval time.Duration, onFlush func([]Event)) *Coalescer {
	return &Coalescer{interval: interval, onFlush: onFlush}
}

// Add queues e and starts the interval if no batch is pending.
func (c *Coalescer) Add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.events = append(c.events, e)
	if !c.started {
		c.timer = time.AfterFunc(c.interval, c.flush)
		c.started = true
	}
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	events := c.events
	c.events = nil
	c.started = false
	c.mu.Unlock()

	if len(events) > 0 {
		c.onFlush(events)
	}
}

// Close drops the pending batch.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.events = nil
	if c.timer != nil {
		c.timer.Stop()
	}
}
