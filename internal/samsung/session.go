package samsung

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Channel names one logical socket purpose on the device.
type Channel string

const (
	ChannelRemote Channel = "remote"
	ChannelArt    Channel = "art"
)

// State is the lifecycle state of a channel session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthorizing
	StateOpen
	StateClosing
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// attempt is the shared handle of one in-flight connection attempt. Every
// caller that arrives while it runs waits on done and sees the same outcome.
type attempt struct {
	done chan struct{}
	pump *pump
	err  error
}

type connectFunc func(ctx context.Context) (*pump, error)

// session is one channel's state machine. It is owned by a single Conn.
type session struct {
	channel     Channel
	address     string
	idle        time.Duration // zero disables idle teardown
	waitCeiling time.Duration

	mu        sync.Mutex
	state     State
	current   *pump
	inflight  *attempt
	idleTimer *time.Timer
	pins      int // active holds; the idle timer is suspended while > 0
	closed    bool
	done      chan struct{}

	listeners map[uint64]chan frame
	nextID    uint64
}

func newSession(channel Channel, address string, idle, waitCeiling time.Duration) *session {
	return &session{
		channel:     channel,
		address:     address,
		idle:        idle,
		waitCeiling: waitCeiling,
		done:        make(chan struct{}),
		listeners:   make(map[uint64]chan frame),
	}
}

// State returns the current state.
func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// acquire returns the open link, joining an in-flight attempt or starting a
// new one. At most one attempt runs per session. The attempt is detached from
// the initiating caller's cancellation so joiners are not failed by it.
func (s *session) acquire(ctx context.Context, connect connectFunc) (*pump, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.state == StateOpen && s.current != nil && s.current.isOpen() {
		p := s.current
		s.touchLocked(p)
		s.mu.Unlock()
		return p, nil
	}
	if a := s.inflight; a != nil {
		s.mu.Unlock()
		log.Debug().
			Str("address", s.address).
			Str("channel", string(s.channel)).
			Msg("Waiting for in-flight connection attempt")
		return s.await(ctx, a, s.waitCeiling)
	}

	a := &attempt{done: make(chan struct{})}
	s.inflight = a
	s.state = StateConnecting
	s.mu.Unlock()

	go s.run(context.WithoutCancel(ctx), a, connect)

	return s.await(ctx, a, 0)
}

func (s *session) run(ctx context.Context, a *attempt, connect connectFunc) {
	p, err := connect(ctx)

	s.mu.Lock()
	s.inflight = nil
	if err == nil && s.closed {
		p.close()
		p, err = nil, ErrClosed
	}
	if err != nil {
		if s.state == StateUnauthorized {
			log.Debug().Str("address", s.address).Str("channel", string(s.channel)).Msg("Token rejected, session reset")
		}
		s.state = StateDisconnected
	} else {
		s.state = StateOpen
		s.current = p
		s.touchLocked(p)
		go s.watch(p)
	}
	a.pump, a.err = p, err
	close(a.done)
	s.mu.Unlock()
}

// await blocks until the attempt resolves or the session is shut down. A
// zero ceiling waits for as long as the attempt's own connect timeout.
func (s *session) await(ctx context.Context, a *attempt, ceiling time.Duration) (*pump, error) {
	var expired <-chan time.Time
	if ceiling > 0 {
		timer := time.NewTimer(ceiling)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-a.done:
		return a.pump, a.err
	case <-expired:
		return nil, &ConnectionError{Address: s.address, Channel: s.channel, Err: ErrAttemptWaitTimeout}
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// watch routes frames of an open link to listeners and detaches the link
// from the session when its socket closes.
func (s *session) watch(p *pump) {
	for {
		select {
		case f := <-p.frames:
			s.deliver(f)
		case <-p.done:
			s.detach(p, "socket closed")
			return
		}
	}
}

func (s *session) deliver(f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- f:
		default:
		}
	}
}

// subscribe registers for frames of the open link. cancel must be called.
func (s *session) subscribe() (<-chan frame, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan frame, 8)
	s.listeners[id] = ch

	return ch, func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// touch extends the idle deadline of p if it is still the tracked link.
func (s *session) touch(p *pump) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == p {
		s.touchLocked(p)
	}
}

func (s *session) touchLocked(p *pump) {
	if s.idle <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.pins > 0 {
		return
	}
	// A timer that fires for a superseded link is inert: detach only acts on
	// the currently tracked pump.
	s.idleTimer = time.AfterFunc(s.idle, func() {
		s.detach(p, "idle timeout")
	})
}

// pin suspends idle teardown of p until the returned func is called, which
// restarts the idle window.
func (s *session) pin(p *pump) func() {
	s.mu.Lock()
	s.pins++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.pins--
			if s.current == p {
				s.touchLocked(p)
			}
		})
	}
}

// detach closes p if it is the tracked link.
func (s *session) detach(p *pump, reason string) {
	s.mu.Lock()
	if s.current != p {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.state = StateClosing
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	p.close()

	s.mu.Lock()
	if s.current == nil && s.state == StateClosing {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	log.Debug().
		Str("address", s.address).
		Str("channel", string(s.channel)).
		Str("reason", reason).
		Msg("Channel disconnected")
}

// shutdown closes the session for good. Waiting callers fail with ErrClosed
// at once; the running attempt's dial is cancelled by the owner.
func (s *session) shutdown() {
	s.mu.Lock()
	if !s.closed {
		close(s.done)
	}
	s.closed = true
	p := s.current
	s.current = nil
	s.state = StateDisconnected
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()

	if p != nil {
		p.close()
	}
}
