package samsung

import (
	"sync"
)

// Registry hands out one Conn per TV address, created on first use.
type Registry struct {
	cfg    Config
	store  TokenStore
	dialer Dialer

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewRegistry creates a registry sharing config, token store and dialer
// across all TVs.
func NewRegistry(cfg Config, store TokenStore, dialer Dialer) *Registry {
	return &Registry{
		cfg:    cfg,
		store:  store,
		dialer: dialer,
		conns:  make(map[string]*Conn),
	}
}

// Get returns the connection for address, creating it if needed. token is
// only used on creation.
func (r *Registry) Get(address, token string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[address]; ok {
		return c
	}
	c := NewConn(address, Options{
		Config: r.cfg,
		Token:  token,
		Store:  r.store,
		Dialer: r.dialer,
	})
	r.conns[address] = c
	return c
}

// Shutdown shuts down every connection and forgets them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}
}
