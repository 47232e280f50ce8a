package samsung

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 512 * 1024
)

// Link is one established socket to the device.
type Link interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens links. The context bounds the dial only.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Link, error)
}

// WebsocketDialer dials the TV with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer that accepts the self-signed
// certificates TVs present on the secure remote control port.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Link, error) {
	conn, _, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsLink{conn: conn}, nil
}

type wsLink struct {
	conn      *websocket.Conn
	mu        sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

func (l *wsLink) ReadMessage() ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	return data, err
}

func (l *wsLink) WriteMessage(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		l.mu.Unlock()
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// pump owns the read side of a link. Frames are decoded on a dedicated
// goroutine; non-JSON frames are dropped.
type pump struct {
	link   Link
	frames chan frame
	done   chan struct{} // closed when the read loop exits
	quit   chan struct{} // closed by close()
	err    error         // read error, valid after done is closed

	closeOnce sync.Once
}

func startPump(link Link) *pump {
	p := &pump{
		link:   link,
		frames: make(chan frame, 16),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *pump) run() {
	defer close(p.done)
	for {
		data, err := p.link.ReadMessage()
		if err != nil {
			p.err = err
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case p.frames <- f:
		case <-p.quit:
			p.err = ErrLinkClosed
			return
		}
	}
}

func (p *pump) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.link.WriteMessage(data)
}

func (p *pump) close() {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.link.Close()
	})
}

// isOpen reports whether the read loop is still running.
func (p *pump) isOpen() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// readErr returns why the read loop stopped.
func (p *pump) readErr() error {
	<-p.done
	if p.err == nil {
		return ErrLinkClosed
	}
	return p.err
}
