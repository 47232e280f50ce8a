package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/stbridge/internal/device"
)

type sinkFunc func(e device.Event, source string) bool

func (f sinkFunc) Dispatch(e device.Event, source string) bool { return f(e, source) }

func TestClient_PollsAndDispatches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/clientrequest", r.URL.Path)
		assert.Equal(t, "Bearer: relay-token", r.Header.Get("Authorization"))

		var req pollRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"tv", "washer"}, req.DeviceIDs)
		assert.Equal(t, int64(1000), req.Timeout)

		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"timeout":false,"events":[
				{"deviceId":"tv","componentId":"main","capability":"switch","attribute":"switch","value":"on"},
				{"deviceId":"","capability":"switch"},
				{"deviceId":"washer","componentId":"main","capability":"washerOperatingState","attribute":"machineState","value":"run"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"timeout":true,"events":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []device.Event
	sink := sinkFunc(func(e device.Event, source string) bool {
		assert.Equal(t, "relay", source)
		mu.Lock()
		got = append(got, e)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			cancel()
		}
		return true
	})

	c := NewClient(Config{URL: srv.URL + "/", Token: "relay-token", PollTimeout: time.Second},
		func() []string { return []string{"tv", "washer"} })

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "tv", got[0].DeviceID)
	assert.Equal(t, "washer", got[1].DeviceID)
}

func TestClient_MaxReconnects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{
		URL:           srv.URL,
		MinBackoff:    time.Millisecond,
		MaxBackoff:    2 * time.Millisecond,
		MaxReconnects: 2,
	}, func() []string { return nil })

	err := c.Run(context.Background(), sinkFunc(func(device.Event, string) bool { return true }))
	assert.ErrorIs(t, err, ErrMaxReconnectsExceeded)
}
