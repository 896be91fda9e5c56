package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/izp1012/meloncity/internal/chat"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// members lets user 1 into room 10 only.
type members struct{}

func (members) CanSubscribe(_ context.Context, roomID, userID int64) error {
	if roomID == 10 && userID == 1 {
		return nil
	}
	return &chat.NotAMemberError{RoomID: roomID, UserID: userID}
}

type sender struct {
	mu   sync.Mutex
	envs []messagesvc.Envelope
}

func (s *sender) Send(_ context.Context, env messagesvc.Envelope) (messagesvc.SendResult, error) {
	if env.Content == "" {
		return messagesvc.SendResult{}, chat.Invalid("content.empty", "message content is empty")
	}
	s.mu.Lock()
	s.envs = append(s.envs, env)
	s.mu.Unlock()
	return messagesvc.SendResult{StreamID: "1-0"}, nil
}

type typing struct {
	mu     sync.Mutex
	events []bool
}

func (t *typing) PublishTyping(_ context.Context, _, _ int64, _ string, on bool) error {
	t.mu.Lock()
	t.events = append(t.events, on)
	t.mu.Unlock()
	return nil
}

func newDispatcher() (*Dispatcher, *Hub, *sender, *typing) {
	hub := NewHub(logpkg.NewNopLogger())
	snd := &sender{}
	typ := &typing{}
	return NewDispatcher(hub, members{}, snd, typ, logpkg.NewNopLogger()), hub, snd, typ
}

func lastError(t *testing.T, s *fakeSession) chat.SessionFrame {
	t.Helper()
	frames := s.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Destination == chat.ErrorQueue(s.id) {
			p := frames[i].Payload.(map[string]any)
			rule, _ := p["rule"].(string)
			return chat.SessionFrame{Type: p["type"].(string), Rule: rule}
		}
	}
	t.Fatalf("no error frame")
	return chat.SessionFrame{}
}

func TestConnectSubscribesRoomTopics(t *testing.T) {
	d, hub, _, _ := newDispatcher()
	s := &fakeSession{id: "s1", userID: 1}
	hub.Attach(s)
	d.Handle(context.Background(), s, []byte(`{"action":"CONNECT","roomId":10}`))

	if subs := hub.Subscriptions("s1"); len(subs) != 4 {
		t.Fatalf("subscriptions = %v", subs)
	}
	frames := s.received()
	if len(frames) != 1 || frames[0].Destination != chat.ConnectQueue("s1") {
		t.Fatalf("frames = %+v", frames)
	}
	if p := frames[0].Payload.(map[string]any); p["type"] != chat.FrameConnectionSuccess {
		t.Fatalf("ack = %#v", p)
	}

	d.Handle(context.Background(), s, []byte(`{"action":"disconnect","roomId":10}`))
	if subs := hub.Subscriptions("s1"); len(subs) != 0 {
		t.Fatalf("subscriptions after disconnect = %v", subs)
	}
}

func TestSubscribeAuthorization(t *testing.T) {
	d, hub, _, _ := newDispatcher()
	member := &fakeSession{id: "m", userID: 1}
	stranger := &fakeSession{id: "x", userID: 2}
	hub.Attach(member)
	hub.Attach(stranger)
	ctx := context.Background()

	d.Handle(ctx, stranger, []byte(`{"action":"SUBSCRIBE","destination":"/topic/chat/10"}`))
	if f := lastError(t, stranger); f.Rule != "sender.not_member" {
		t.Fatalf("stranger subscribe rule = %q", f.Rule)
	}
	d.Handle(ctx, stranger, []byte(`{"action":"SUBSCRIBE","destination":"/queue/errors-m"}`))
	if f := lastError(t, stranger); f.Rule != "destination.forbidden" {
		t.Fatalf("foreign queue rule = %q", f.Rule)
	}
	d.Handle(ctx, stranger, []byte(`{"action":"SUBSCRIBE","destination":"/elsewhere"}`))
	if f := lastError(t, stranger); f.Rule != "destination.invalid" {
		t.Fatalf("bad destination rule = %q", f.Rule)
	}

	d.Handle(ctx, member, []byte(`{"action":"SUBSCRIBE","destination":"/topic/chat/10/typing"}`))
	if n := hub.Publish(chat.TypingTopic(10), chat.TypingFrame{UserID: 1}); n != 1 {
		t.Fatalf("typing topic delivered to %d", n)
	}
}

func TestSendAndTyping(t *testing.T) {
	d, hub, snd, typ := newDispatcher()
	s := &fakeSession{id: "s", userID: 1}
	hub.Attach(s)
	ctx := context.Background()

	d.Handle(ctx, s, []byte(`{"action":"SEND","roomId":10,"content":"hi","tempId":"t1"}`))
	if len(snd.envs) != 1 || snd.envs[0].SenderID != 1 || snd.envs[0].TempID != "t1" {
		t.Fatalf("envelopes = %+v", snd.envs)
	}
	d.Handle(ctx, s, []byte(`{"action":"SEND","roomId":10,"content":""}`))
	if f := lastError(t, s); f.Type != chat.FrameError || f.Rule != "content.empty" {
		t.Fatalf("error frame = %+v", f)
	}
	d.Handle(ctx, s, []byte(`{"action":"TYPING","roomId":10,"typing":true}`))
	if len(typ.events) != 1 || !typ.events[0] {
		t.Fatalf("typing events = %v", typ.events)
	}
	d.Handle(ctx, s, []byte(`{"action":"TYPING","roomId":11,"typing":true}`))
	if len(typ.events) != 1 {
		t.Fatalf("typing in a foreign room was published")
	}
	d.Handle(ctx, s, []byte(`{"action":"DANCE"}`))
	if f := lastError(t, s); f.Rule != "action.invalid" {
		t.Fatalf("unknown action rule = %q", f.Rule)
	}
	d.Handle(ctx, s, []byte(`not json`))
	if f := lastError(t, s); f.Rule != "frame.invalid" {
		t.Fatalf("bad frame rule = %q", f.Rule)
	}
}

func TestServeOverWebsocket(t *testing.T) {
	d, hub, _, _ := newDispatcher()
	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served <- d.Serve(r.Context(), NewConn(1, "alice", ws, ConnOptions{}))
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))

	if err := client.WriteJSON(Command{Action: ActionConnect, RoomID: 10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack Frame
	if err := client.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if !strings.HasPrefix(ack.Destination, "/queue/connect-") {
		t.Fatalf("ack destination = %q", ack.Destination)
	}

	if n := hub.Publish(chat.RoomTopic(10), chat.MessageFrame{RoomID: 10, Content: "hello", StreamID: "5-0"}); n != 1 {
		t.Fatalf("publish delivered to %d", n)
	}
	var msg Frame
	if err := client.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	if p := msg.Payload.(map[string]any); msg.Destination != chat.RoomTopic(10) || p["content"] != "hello" {
		t.Fatalf("message frame = %+v", msg)
	}

	_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end")
	}
	if hub.Sessions() != 0 {
		t.Fatalf("session still attached after close")
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	c := &Conn{send: make(chan []byte, 1), closed: make(chan struct{}), opts: ConnOptions{}.withDefaults()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.ws = ws
		if err := c.Send([]byte("1")); err != nil {
			t.Errorf("first send: %v", err)
		}
		if err := c.Send([]byte("2")); !errors.Is(err, ErrSendOverrun) {
			t.Errorf("second send = %v", err)
		}
		if err := c.Send([]byte("3")); !errors.Is(err, ErrConnClosed) {
			t.Errorf("send after close = %v", err)
		}
	}))
	defer srv.Close()
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, CloseSlowConsumer) {
		t.Fatalf("read = %v, want close %d", err, CloseSlowConsumer)
	}
}
