// Package realtime is the local fan-out layer: a Hub of websocket sessions
// subscribed to destinations, and the command dispatcher for frames the
// sessions send.
package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/izp1012/meloncity/pkg/id"
)

// Close codes used by the server.
const (
	CloseSlowConsumer = 4008
	CloseShutdown     = websocket.CloseGoingAway
)

var (
	ErrConnClosed  = errors.New("realtime: connection closed")
	ErrSendOverrun = errors.New("realtime: send buffer full")
)

// ConnOptions tunes a websocket session. Zero values use defaults.
type ConnOptions struct {
	SendBuffer    int
	WriteWait     time.Duration
	PongWait      time.Duration
	MaxFrameBytes int64
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 128
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	return o
}

// Session is a connected client as seen by the Hub.
type Session interface {
	ID() string
	UserID() int64
	UserName() string
	// Send enqueues an encoded frame without blocking.
	Send(payload []byte) error
	Close(code int, reason string)
}

// Conn wraps a websocket and serializes outbound writes through a buffered
// channel. A slow reader whose buffer fills up is disconnected.
type Conn struct {
	id       string
	userID   int64
	userName string
	opts     ConnOptions

	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
	closed chan struct{}
}

var sessionIDs = id.NewGenerator()

// NewConn wraps ws for an authenticated user. The session id is a ULID.
func NewConn(userID int64, userName string, ws *websocket.Conn, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		id:       sessionIDs.Next().String(),
		userID:   userID,
		userName: userName,
		opts:     opts,
		ws:       ws,
		send:     make(chan []byte, opts.SendBuffer),
		closed:   make(chan struct{}),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() int64    { return c.userID }
func (c *Conn) UserName() string { return c.userName }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Start launches the write loop. It must be called exactly once.
func (c *Conn) Start() {
	go c.writeLoop()
}

// Send implements Session.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(CloseSlowConsumer, "send buffer full")
		return ErrSendOverrun
	}
}

// Close sends a close frame and tears the socket down. Later calls are
// no-ops.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(c.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// ReadLoop reads frames until the peer goes away or the connection is
// closed, passing each one to handle. It returns nil on a normal close.
func (c *Conn) ReadLoop(handle func(data []byte)) error {
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		handle(data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

func (c *Conn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}
