package transports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/izp1012/meloncity/internal/chat"
	consumersvc "github.com/izp1012/meloncity/internal/services/consumer"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	"github.com/izp1012/meloncity/internal/stream"
)

// HTTPTransport implements ChatTransport over the REST API.
type HTTPTransport struct {
	base   string
	userID int64
	client *http.Client
}

var _ ChatTransport = (*HTTPTransport)(nil)

// NewHTTPTransport talks to base acting as userID. userID 0 sends no
// identity, which only the stream endpoints accept.
func NewHTTPTransport(base string, userID int64) *HTTPTransport {
	return &HTTPTransport{base: base, userID: userID, client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.userID > 0 {
		req.Header.Set("User-Id", strconv.FormatInt(t.userID, 10))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Rule  string `json:"rule"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Rule: e.Rule}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func roomPath(roomID int64, rest string) string {
	return "/v1/rooms/" + strconv.FormatInt(roomID, 10) + rest
}

// StreamStatus fetches the consumer group report.
func (t *HTTPTransport) StreamStatus(ctx context.Context) (consumersvc.Report, error) {
	var rep consumersvc.Report
	err := t.do(ctx, http.MethodGet, "/v1/stream/status", nil, &rep)
	return rep, err
}

// DeadLetters lists the newest dead letters.
func (t *HTTPTransport) DeadLetters(ctx context.Context, limit int) ([]stream.DeadLetter, error) {
	var out struct {
		DeadLetters []stream.DeadLetter `json:"deadLetters"`
	}
	err := t.do(ctx, http.MethodGet, "/v1/stream/dlq?limit="+strconv.Itoa(limit), nil, &out)
	return out.DeadLetters, err
}

// ListRooms lists public rooms, or the caller's rooms when mine is set.
func (t *HTTPTransport) ListRooms(ctx context.Context, mine bool) ([]chat.Room, error) {
	path := "/v1/rooms"
	if mine {
		path += "/mine"
	}
	var out struct {
		Rooms []chat.Room `json:"rooms"`
	}
	err := t.do(ctx, http.MethodGet, path, nil, &out)
	return out.Rooms, err
}

// CreateRoom creates a room owned by the caller.
func (t *HTTPTransport) CreateRoom(ctx context.Context, req CreateRoomRequest) (chat.Room, error) {
	var room chat.Room
	err := t.do(ctx, http.MethodPost, "/v1/rooms", req, &room)
	return room, err
}

// Join joins the caller to a room.
func (t *HTTPTransport) Join(ctx context.Context, roomID int64) (chat.Participant, error) {
	var p chat.Participant
	err := t.do(ctx, http.MethodPost, roomPath(roomID, "/join"), nil, &p)
	return p, err
}

// Leave removes the caller from a room.
func (t *HTTPTransport) Leave(ctx context.Context, roomID int64) (chat.Participant, error) {
	var p chat.Participant
	err := t.do(ctx, http.MethodPost, roomPath(roomID, "/leave"), nil, &p)
	return p, err
}

// Send posts a chat message.
func (t *HTTPTransport) Send(ctx context.Context, roomID int64, content, tempID string) (messagesvc.SendResult, error) {
	var res messagesvc.SendResult
	body := map[string]string{"content": content, "tempId": tempID}
	err := t.do(ctx, http.MethodPost, roomPath(roomID, "/messages"), body, &res)
	return res, err
}

// History fetches one page of stored messages.
func (t *HTTPTransport) History(ctx context.Context, roomID int64, page, size int, filter string) (messagesvc.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	if filter != "" {
		q.Set("filter", filter)
	}
	var hp messagesvc.HistoryPage
	err := t.do(ctx, http.MethodGet, roomPath(roomID, "/messages?"+q.Encode()), nil, &hp)
	return hp, err
}
