package samsung

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var errFakeClosed = errors.New("fake link closed")

// fakeLink is an in-memory socket. The test plays the TV side.
type fakeLink struct {
	url    string
	in     chan []byte // TV -> client
	out    chan []byte // client -> TV
	closed chan struct{}
	once   sync.Once
}

func newFakeLink(url string) *fakeLink {
	return &fakeLink{
		url:    url,
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) ReadMessage() ([]byte, error) {
	select {
	case data := <-l.in:
		return data, nil
	case <-l.closed:
		return nil, errFakeClosed
	}
}

func (l *fakeLink) WriteMessage(data []byte) error {
	select {
	case <-l.closed:
		return errFakeClosed
	default:
	}
	select {
	case l.out <- data:
		return nil
	case <-l.closed:
		return errFakeClosed
	}
}

func (l *fakeLink) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// send delivers a TV event frame to the client.
func (l *fakeLink) send(event string, data any) {
	msg := map[string]any{"event": event}
	if data != nil {
		msg["data"] = data
	}
	raw, _ := json.Marshal(msg)
	select {
	case l.in <- raw:
	case <-l.closed:
	}
}

// next returns the next frame written by the client.
func (l *fakeLink) next(timeout time.Duration) (map[string]any, bool) {
	select {
	case data := <-l.out:
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// fakeDialer records dials and runs a TV script for each new link.
type fakeDialer struct {
	mu        sync.Mutex
	links     []*fakeLink
	deadlines []time.Duration
	dialErr   error
	script    func(l *fakeLink)
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var remaining time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	d.deadlines = append(d.deadlines, remaining)

	if d.dialErr != nil {
		return nil, d.dialErr
	}
	l := newFakeLink(rawURL)
	d.links = append(d.links, l)
	if d.script != nil {
		go d.script(l)
	}
	return l, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deadlines)
}

func (d *fakeDialer) link(i int) *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.links[i]
}

func (d *fakeDialer) deadline(i int) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadlines[i]
}

// memTokenStore is a TokenStore kept in memory.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]string)}
}

func (s *memTokenStore) Load(address string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[address], nil
}

func (s *memTokenStore) Save(address, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[address] = token
	return nil
}

func (s *memTokenStore) Delete(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, address)
	return nil
}

// testConfig keeps timings short enough for unit tests.
func testConfig() Config {
	return Config{
		AppName:            "test",
		ConnectTimeout:     300 * time.Millisecond,
		PairingTimeout:     5 * time.Second,
		HoldConnectTimeout: 200 * time.Millisecond,
		IdleTimeout:        5 * time.Second,
		RemoteWaitCeiling:  2 * time.Second,
		ArtConnectTimeout:  500 * time.Millisecond,
		ArtReadyGrace:      100 * time.Millisecond,
		ArtWaitCeiling:     time.Second,
		StatusTimeout:      150 * time.Millisecond,
		SettleDelay:        10 * time.Millisecond,
	}
}

// acceptWithToken is a TV script that approves the remote channel after delay.
func acceptWithToken(token string, delay time.Duration) func(l *fakeLink) {
	return func(l *fakeLink) {
		time.Sleep(delay)
		l.send(eventChannelConnect, map[string]any{"token": token})
	}
}

// blockingDialer holds every dial open until its context ends.
type blockingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *blockingDialer) Dial(ctx context.Context, rawURL string) (Link, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *blockingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}
