// Package samsung implements the local control protocol of Samsung TVs: a
// token-paired remote control channel and an unauthenticated art mode
// (status) channel, both JSON over websocket.
package samsung

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds ports and timing for a Conn. Zero values fall back to
// DefaultConfig.
type Config struct {
	AppName    string
	RemotePort int
	ArtPort    int

	ConnectTimeout     time.Duration // remote connect with a token
	PairingTimeout     time.Duration // remote connect without a token
	HoldConnectTimeout time.Duration // remote connect for a key hold
	IdleTimeout        time.Duration
	RemoteWaitCeiling  time.Duration

	ArtConnectTimeout time.Duration
	ArtReadyGrace     time.Duration
	ArtWaitCeiling    time.Duration
	StatusTimeout     time.Duration
	SettleDelay       time.Duration
}

// DefaultConfig returns the stock ports and timeouts.
func DefaultConfig() Config {
	return Config{
		AppName:            "stbridge",
		RemotePort:         8002,
		ArtPort:            8001,
		ConnectTimeout:     5 * time.Second,
		PairingTimeout:     30 * time.Second,
		HoldConnectTimeout: 2 * time.Second,
		IdleTimeout:        8 * time.Second,
		RemoteWaitCeiling:  30 * time.Second,
		ArtConnectTimeout:  5 * time.Second,
		ArtReadyGrace:      2 * time.Second,
		ArtWaitCeiling:     10 * time.Second,
		StatusTimeout:      3 * time.Second,
		SettleDelay:        500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AppName == "" {
		c.AppName = d.AppName
	}
	if c.RemotePort == 0 {
		c.RemotePort = d.RemotePort
	}
	if c.ArtPort == 0 {
		c.ArtPort = d.ArtPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PairingTimeout == 0 {
		c.PairingTimeout = d.PairingTimeout
	}
	if c.HoldConnectTimeout == 0 {
		c.HoldConnectTimeout = d.HoldConnectTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.RemoteWaitCeiling == 0 {
		c.RemoteWaitCeiling = d.RemoteWaitCeiling
	}
	if c.ArtConnectTimeout == 0 {
		c.ArtConnectTimeout = d.ArtConnectTimeout
	}
	if c.ArtReadyGrace == 0 {
		c.ArtReadyGrace = d.ArtReadyGrace
	}
	if c.ArtWaitCeiling == 0 {
		c.ArtWaitCeiling = d.ArtWaitCeiling
	}
	if c.StatusTimeout == 0 {
		c.StatusTimeout = d.StatusTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = d.SettleDelay
	}
	return c
}

// Options configures a new Conn.
type Options struct {
	Config Config
	Token  string // configured token; a token issued by the TV supersedes it
	Store  TokenStore
	Dialer Dialer
}

// Conn is the local connection to one TV. It owns a remote control session
// and an art mode session; they connect and fail independently.
type Conn struct {
	address string
	cfg     Config
	store   TokenStore
	dialer  Dialer

	mu        sync.RWMutex
	token     string
	statusErr error

	remote *session
	art    *session

	closing      chan struct{}
	shutdownOnce sync.Once
}

// NewConn creates the connection for a TV address. No socket is opened until
// the first operation. Without a configured token the stored one is loaded;
// an unreadable token file counts as no token.
func NewConn(address string, opts Options) *Conn {
	cfg := opts.Config.withDefaults()
	store := opts.Store
	if store == nil {
		store = nopTokenStore{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}

	c := &Conn{
		address: address,
		cfg:     cfg,
		store:   store,
		dialer:  dialer,
		token:   opts.Token,
		remote:  newSession(ChannelRemote, address, cfg.IdleTimeout, cfg.RemoteWaitCeiling),
		art:     newSession(ChannelArt, address, 0, cfg.ArtWaitCeiling),
		closing: make(chan struct{}),
	}

	if c.token == "" {
		token, err := store.Load(address)
		if err != nil {
			log.Debug().Err(err).Str("address", address).Msg("Could not load saved token")
		} else if token != "" {
			log.Debug().Str("address", address).Msg("Loaded saved token")
			c.token = token
		}
	}

	return c
}

// Address returns the TV address.
func (c *Conn) Address() string {
	return c.address
}

// Token returns the token currently presented to the TV.
func (c *Conn) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RemoteState returns the remote control session state.
func (c *Conn) RemoteState() State {
	return c.remote.State()
}

// ArtState returns the art mode session state.
func (c *Conn) ArtState() State {
	return c.art.State()
}

// LastStatusError returns the failure swallowed by the most recent status
// query, or nil if it succeeded.
func (c *Conn) LastStatusError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusErr
}

// Click sends a single press-release of key.
func (c *Conn) Click(ctx context.Context, key string) error {
	p, err := c.remote.acquire(ctx, c.remoteConnector(0))
	if err != nil {
		return err
	}
	return c.sendKey(p, KeyClick, key)
}

// Hold presses key, waits for d, then releases it. It connects with the
// shorter hold budget because callers run under a tight deadline. The wait
// does not block other operations on the channel.
func (c *Conn) Hold(ctx context.Context, key string, d time.Duration) error {
	p, err := c.remote.acquire(ctx, c.remoteConnector(c.cfg.HoldConnectTimeout))
	if err != nil {
		return err
	}

	// The link must survive the hold even when it outlasts the idle window.
	unpin := c.remote.pin(p)
	defer unpin()

	if err := c.sendKey(p, KeyPress, key); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-c.closing:
		return ErrClosed
	}

	// Release even when the caller gave up, so the key is not left pressed.
	if err := c.sendKey(p, KeyRelease, key); err != nil {
		return err
	}
	log.Debug().Str("address", c.address).Str("key", key).Dur("duration", d).Msg("Held key")
	return waitErr
}

// QueryArtMode asks the TV for its art mode. It never fails: any error
// yields ArtModeOff and is kept for LastStatusError. The status channel is
// closed afterwards.
func (c *Conn) QueryArtMode(ctx context.Context) ArtMode {
	mode, err := c.queryArtMode(ctx)

	c.mu.Lock()
	c.statusErr = err
	c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("address", c.address).Msg("Art mode query failed, assuming off")
		return ArtModeOff
	}
	log.Debug().Str("address", c.address).Str("art_mode", string(mode)).Msg("Art mode status")
	return mode
}

func (c *Conn) queryArtMode(ctx context.Context) (ArtMode, error) {
	p, err := c.art.acquire(ctx, c.connectArt)
	if err != nil {
		return "", err
	}
	defer c.art.detach(p, "status query complete")

	replies, cancel := c.art.subscribe()
	defer cancel()

	req, err := newArtRequest("get_artmode_status", "")
	if err != nil {
		return "", err
	}
	if err := p.write(req); err != nil {
		return "", &ConnectionError{Address: c.address, Channel: ChannelArt, Err: err}
	}

	timer := time.NewTimer(c.cfg.StatusTimeout)
	defer timer.Stop()

	for {
		select {
		case f := <-replies:
			if mode, ok := parseArtStatus(f); ok {
				return mode, nil
			}
		case <-p.done:
			return "", &ConnectionError{Address: c.address, Channel: ChannelArt, Err: p.readErr()}
		case <-timer.C:
			return "", ErrStatusTimeout
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.closing:
			return "", ErrClosed
		}
	}
}

// SetArtMode switches art mode. Failing to open the channel is returned;
// after the write the channel is given the settle delay and then closed.
func (c *Conn) SetArtMode(ctx context.Context, mode ArtMode) error {
	p, err := c.art.acquire(ctx, c.connectArt)
	if err != nil {
		return err
	}
	defer c.art.detach(p, "art mode set")

	req, err := newArtRequest("set_artmode_status", mode)
	if err != nil {
		return err
	}

	log.Debug().Str("address", c.address).Str("art_mode", string(mode)).Msg("Setting art mode")
	if err := p.write(req); err != nil {
		return &ConnectionError{Address: c.address, Channel: ChannelArt, Err: err}
	}

	timer := time.NewTimer(c.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-c.closing:
	}
	return nil
}

// Shutdown closes both channels, cancels timers and fails in-flight
// attempts with ErrClosed. It is idempotent.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.closing)
		c.remote.shutdown()
		c.art.shutdown()
		log.Debug().Str("address", c.address).Msg("All TV connections closed")
	})
}

func (c *Conn) sendKey(p *pump, cmd KeyCommand, key string) error {
	if !p.isOpen() {
		return &ConnectionError{Address: c.address, Channel: ChannelRemote, Err: p.readErr()}
	}
	log.Debug().Str("address", c.address).Str("cmd", string(cmd)).Str("key", key).Msg("Sending key")
	if err := p.write(newKeyFrame(cmd, key)); err != nil {
		c.remote.detach(p, "write failed")
		return &ConnectionError{Address: c.address, Channel: ChannelRemote, Err: err}
	}
	c.remote.touch(p)
	return nil
}

func (c *Conn) encodedAppName() string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.AppName))
}

func (c *Conn) remoteURL(token string) string {
	host := net.JoinHostPort(c.address, strconv.Itoa(c.cfg.RemotePort))
	url := fmt.Sprintf("wss://%s/api/v2/channels/samsung.remote.control?name=%s", host, c.encodedAppName())
	if token != "" {
		url += "&token=" + token
	}
	return url
}

func (c *Conn) artURL() string {
	host := net.JoinHostPort(c.address, strconv.Itoa(c.cfg.ArtPort))
	return fmt.Sprintf("ws://%s/api/v2/channels/com.samsung.art-app?name=%s", host, c.encodedAppName())
}

// remoteConnector returns the remote handshake with an optional connect
// timeout override.
func (c *Conn) remoteConnector(override time.Duration) connectFunc {
	return func(ctx context.Context) (*pump, error) {
		return c.connectRemote(ctx, override)
	}
}

func (c *Conn) connectRemote(ctx context.Context, override time.Duration) (*pump, error) {
	token := c.Token()
	paired := token != ""

	timeout := c.cfg.PairingTimeout
	if paired {
		timeout = c.cfg.ConnectTimeout
	}
	if override > 0 {
		timeout = override
	}

	if !paired {
		log.Warn().
			Str("address", c.address).
			Msg("No saved token; the TV will display an Allow prompt, accept it on the TV screen")
	}
	log.Debug().
		Str("address", c.address).
		Int("port", c.cfg.RemotePort).
		Bool("token", paired).
		Dur("timeout", timeout).
		Msg("Connecting to remote control channel")

	ctx, cancel := c.attemptContext(ctx, timeout)
	defer cancel()

	p, err := c.dial(ctx, c.remoteURL(token), ChannelRemote, timeout, paired)
	if err != nil {
		return nil, err
	}
	c.remote.setState(StateAuthorizing)

	for {
		select {
		case f := <-p.frames:
			switch f.Event {
			case eventChannelConnect:
				c.adoptToken(f)
				log.Debug().Str("address", c.address).Msg("Remote control channel connected")
				return p, nil
			case eventChannelUnauthorized:
				p.close()
				c.remote.setState(StateUnauthorized)
				c.forgetToken()
				return nil, &AuthorizationError{Address: c.address}
			}
		case <-p.done:
			return nil, &ConnectionError{Address: c.address, Channel: ChannelRemote, Paired: paired, Err: p.readErr()}
		case <-ctx.Done():
			p.close()
			return nil, c.timeoutError(ctx, ChannelRemote, timeout, paired)
		case <-c.closing:
			p.close()
			return nil, ErrClosed
		}
	}
}

// connectArt opens the art channel. Firmware differs in what it sends once
// the channel is usable: ms.channel.ready, a d2d service message, or nothing.
// The first of those or the grace period with the socket still open wins.
func (c *Conn) connectArt(ctx context.Context) (*pump, error) {
	timeout := c.cfg.ArtConnectTimeout
	log.Debug().Str("address", c.address).Int("port", c.cfg.ArtPort).Msg("Connecting to art mode channel")

	ctx, cancel := c.attemptContext(ctx, timeout)
	defer cancel()

	p, err := c.dial(ctx, c.artURL(), ChannelArt, timeout, false)
	if err != nil {
		return nil, err
	}

	grace := time.NewTimer(c.cfg.ArtReadyGrace)
	defer grace.Stop()

	for {
		select {
		case f := <-p.frames:
			switch f.Event {
			case eventChannelConnect:
				// The art channel may hand out a token too.
				c.adoptToken(f)
			case eventChannelReady, eventD2DServiceMessage:
				log.Debug().Str("address", c.address).Str("signal", f.Event).Msg("Art mode channel connected")
				return p, nil
			}
		case <-grace.C:
			if p.isOpen() {
				log.Debug().Str("address", c.address).Msg("Art mode channel assumed ready after grace period")
				return p, nil
			}
		case <-p.done:
			return nil, &ConnectionError{Address: c.address, Channel: ChannelArt, Err: p.readErr()}
		case <-ctx.Done():
			p.close()
			return nil, c.timeoutError(ctx, ChannelArt, timeout, false)
		case <-c.closing:
			p.close()
			return nil, ErrClosed
		}
	}
}

// attemptContext bounds a connection attempt by timeout and by Shutdown.
func (c *Conn) attemptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	go func() {
		select {
		case <-c.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Conn) dial(ctx context.Context, url string, ch Channel, timeout time.Duration, paired bool) (*pump, error) {
	link, err := c.dialer.Dial(ctx, url)
	if err != nil {
		select {
		case <-c.closing:
			return nil, ErrClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, c.timeoutError(ctx, ch, timeout, paired)
		}
		log.Error().Err(err).Str("address", c.address).Str("channel", string(ch)).Msg("Connection error")
		return nil, &ConnectionError{Address: c.address, Channel: ch, Paired: paired, Err: err}
	}
	return startPump(link), nil
}

func (c *Conn) timeoutError(ctx context.Context, ch Channel, timeout time.Duration, paired bool) error {
	err := &ConnectionError{Address: c.address, Channel: ch, Paired: paired, Err: ctx.Err()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err.Timeout = timeout
	}
	return err
}

// adoptToken takes a token issued by the TV as authoritative and persists it
// before the connection is used. A failed save is logged only.
func (c *Conn) adoptToken(f frame) {
	token := f.token()
	if token == "" {
		return
	}

	c.mu.Lock()
	if token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	c.mu.Unlock()

	log.Info().Str("address", c.address).Msg("Received authorization token from TV")
	if err := c.store.Save(c.address, token); err != nil {
		log.Warn().Err(err).Str("address", c.address).Msg("Could not save token")
		return
	}
	log.Info().Str("address", c.address).Msg("Token saved, future connections skip the TV authorization prompt")
}

func (c *Conn) forgetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()

	if err := c.store.Delete(c.address); err != nil {
		log.Warn().Err(err).Str("address", c.address).Msg("Could not delete rejected token")
	}
}

type nopTokenStore struct{}

func (nopTokenStore) Load(string) (string, error) { return "", nil }
func (nopTokenStore) Save(string, string) error   { return nil }
func (nopTokenStore) Delete(string) error         { return nil }
