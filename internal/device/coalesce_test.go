package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescer_FlushesBatchOnce(t *testing.T) {
	batches := make(chan []Event, 4)
	c := NewCoalescer(30*time.Millisecond, func(events []Event) { batches <- events })
	defer c.Close()

	c.Add(Event{DeviceID: "tv-1", Value: "on"})
	c.Add(Event{DeviceID: "tv-1", Value: "off"})
	c.Add(Event{DeviceID: "tv-1", Value: "on"})

	select {
	case batch := <-batches:
		require.Len(t, batch, 3)
		assert.Equal(t, "on", batch[2].Value)
	case <-time.After(time.Second):
		t.Fatal("batch not flushed")
	}

	c.Add(Event{DeviceID: "tv-1", Value: "off"})
	select {
	case batch := <-batches:
		assert.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("second batch not flushed")
	}
}

func TestCoalescer_CloseDropsPending(t *testing.T) {
	flushed := make(chan struct{}, 1)
	c := NewCoalescer(20*time.Millisecond, func([]Event) { flushed <- struct{}{} })

	c.Add(Event{DeviceID: "tv-1"})
	c.Close()
	c.Add(Event{DeviceID: "tv-1"})

	select {
	case <-flushed:
		t.Fatal("closed coalescer flushed")
	case <-time.After(80 * time.Millisecond):
	}
}
