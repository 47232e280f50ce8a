// Package eventbus hands canonical device events from ingestion to consumers
// on a bounded worker pool. Delivery is at-most-once: a full queue drops events.
package eventbus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/device"
)

// Default configuration. A single worker keeps events in arrival order.
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 256
)

// work represents a unit of work for the worker pool
type work struct {
	event   device.Event
	handler device.Listener
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers []device.Listener

	workQueue chan work
	wg        sync.WaitGroup

	// sendMu guards workQueue against sends after close
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{workQueue: make(chan work, queueSize)}

	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("device_id", w.event.DeviceID).
						Str("capability", w.event.Capability).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for every published event
func (b *Bus) Subscribe(handler device.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handler)
}

// Publish queues event for all handlers without blocking.
// It returns false if the event was dropped for at least one handler.
func (b *Bus) Publish(event device.Event) bool {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	if b.closed {
		log.Warn().Str("device_id", event.DeviceID).Msg("Event bus closed, dropping event")
		return false
	}

	delivered := true
	for _, handler := range handlers {
		select {
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			delivered = false
			log.Warn().
				Str("device_id", event.DeviceID).
				Str("capability", event.Capability).
				Msg("Event bus queue full, dropping event")
		}
	}
	return delivered
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.workQueue)
		b.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
