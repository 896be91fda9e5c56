package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/izp1012/meloncity/internal/chat"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Session actions.
const (
	ActionSubscribe   = "SUBSCRIBE"
	ActionUnsubscribe = "UNSUBSCRIBE"
	ActionSend        = "SEND"
	ActionConnect     = "CONNECT"
	ActionDisconnect  = "DISCONNECT"
	ActionTyping      = "TYPING"
)

// Command is a frame sent by a client.
type Command struct {
	Action      string `json:"action"`
	Destination string `json:"destination,omitempty"`
	RoomID      int64  `json:"roomId,omitempty"`
	Content     string `json:"content,omitempty"`
	Type        string `json:"type,omitempty"`
	TempID      string `json:"tempId,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
	Typing      bool   `json:"typing,omitempty"`
}

// Membership authorizes room topic subscriptions.
type Membership interface {
	CanSubscribe(ctx context.Context, roomID, userID int64) error
}

// Sender hands chat messages to the stream.
type Sender interface {
	Send(ctx context.Context, env messagesvc.Envelope) (messagesvc.SendResult, error)
}

// TypingPublisher announces typing indicators.
type TypingPublisher interface {
	PublishTyping(ctx context.Context, roomID, userID int64, userName string, typing bool) error
}

// Dispatcher executes session commands against the services.
type Dispatcher struct {
	hub     *Hub
	members Membership
	sender  Sender
	typing  TypingPublisher
	timeout time.Duration
	logger  logpkg.Logger
	now     func() time.Time
}

// NewDispatcher wires a dispatcher. Each command runs with a five second
// deadline.
func NewDispatcher(hub *Hub, members Membership, sender Sender, typing TypingPublisher, logger logpkg.Logger) *Dispatcher {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Dispatcher{
		hub:     hub,
		members: members,
		sender:  sender,
		typing:  typing,
		timeout: 5 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

// Serve runs a websocket session until the peer disconnects or ctx ends.
func (d *Dispatcher) Serve(ctx context.Context, c *Conn) error {
	if !d.hub.Attach(c) {
		c.Close(CloseShutdown, "server shutting down")
		return ErrConnClosed
	}
	c.Start()
	defer func() {
		d.hub.Detach(c.ID())
		c.Close(websocket.CloseNormalClosure, "session closed")
	}()
	stop := context.AfterFunc(ctx, func() { c.Close(CloseShutdown, "server shutting down") })
	defer stop()

	log := d.logger.With(logpkg.Str("session_id", c.ID()), logpkg.Int64("user_id", c.UserID()))
	log.Info("session.open")
	err := c.ReadLoop(func(data []byte) { d.Handle(ctx, c, data) })
	if err != nil {
		log.Warn("session.read_failed", logpkg.Err(err))
	}
	log.Info("session.closed")
	return err
}

// Handle decodes and executes one command frame. Failures are reported on
// the session's error queue.
func (d *Dispatcher) Handle(ctx context.Context, s Session, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		d.fail(s, 0, chat.Invalid("frame.invalid", "frame is not a command object"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.execute(ctx, s, cmd); err != nil {
		d.fail(s, cmd.RoomID, err)
	}
}

func (d *Dispatcher) execute(ctx context.Context, s Session, cmd Command) error {
	switch strings.ToUpper(strings.TrimSpace(cmd.Action)) {
	case ActionSubscribe:
		return d.subscribe(ctx, s, cmd.Destination)
	case ActionUnsubscribe:
		d.hub.Unsubscribe(s.ID(), cmd.Destination)
		return nil
	case ActionSend:
		_, err := d.sender.Send(ctx, messagesvc.Envelope{
			RoomID:     cmd.RoomID,
			SenderID:   s.UserID(),
			SenderName: firstNonEmpty(cmd.SenderName, s.UserName()),
			Content:    cmd.Content,
			Type:       cmd.Type,
			TempID:     cmd.TempID,
		})
		return err
	case ActionConnect:
		return d.connect(ctx, s, cmd.RoomID)
	case ActionDisconnect:
		for _, dest := range chat.RoomDestinations(cmd.RoomID) {
			d.hub.Unsubscribe(s.ID(), dest)
		}
		return nil
	case ActionTyping:
		if err := d.members.CanSubscribe(ctx, cmd.RoomID, s.UserID()); err != nil {
			return err
		}
		return d.typing.PublishTyping(ctx, cmd.RoomID, s.UserID(), s.UserName(), cmd.Typing)
	}
	return chat.Invalid("action.invalid", "unknown action %q", cmd.Action)
}

func (d *Dispatcher) subscribe(ctx context.Context, s Session, dest string) error {
	if owner, ok := chat.SessionQueueOwner(dest); ok {
		if owner != s.ID() {
			return chat.Invalid("destination.forbidden", "queue %s belongs to another session", dest)
		}
		d.hub.Subscribe(s.ID(), dest)
		return nil
	}
	roomID, _, ok := chat.ParseRoomTopic(dest)
	if !ok {
		return chat.Invalid("destination.invalid", "unknown destination %q", dest)
	}
	if err := d.members.CanSubscribe(ctx, roomID, s.UserID()); err != nil {
		return err
	}
	d.hub.Subscribe(s.ID(), dest)
	return nil
}

// connect subscribes the session to every topic of a room and acknowledges
// on the session's connect queue.
func (d *Dispatcher) connect(ctx context.Context, s Session, roomID int64) error {
	if roomID <= 0 {
		return chat.Invalid("room_id.invalid", "room id %d", roomID)
	}
	if err := d.members.CanSubscribe(ctx, roomID, s.UserID()); err != nil {
		return err
	}
	for _, dest := range chat.RoomDestinations(roomID) {
		d.hub.Subscribe(s.ID(), dest)
	}
	d.hub.SendToSession(s.ID(), chat.ConnectQueue(s.ID()), chat.ConnectFrame(roomID, "connected to room", d.now()))
	return nil
}

func (d *Dispatcher) fail(s Session, roomID int64, err error) {
	d.logger.Debug("session.command_failed", logpkg.Str("session_id", s.ID()), logpkg.Err(err))
	d.hub.SendToSession(s.ID(), chat.ErrorQueue(s.ID()), chat.ErrorFrame(roomID, err, d.now()))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
