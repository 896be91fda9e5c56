package realtime

import (
	"encoding/json"
	"sync"

	"github.com/izp1012/meloncity/internal/chat"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Frame is what a session receives: the destination it was published to and
// the payload.
type Frame struct {
	Destination string `json:"destination"`
	Payload     any    `json:"payload"`
}

// Hub tracks sessions and their destination subscriptions on this node.
type Hub struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	topics        map[string]map[string]Session // destination -> session id -> session
	sessionTopics map[string]map[string]struct{}
	closed        bool
	logger        logpkg.Logger
}

// NewHub returns an empty hub.
func NewHub(logger logpkg.Logger) *Hub {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Hub{
		sessions:      make(map[string]Session),
		topics:        make(map[string]map[string]Session),
		sessionTopics: make(map[string]map[string]struct{}),
		logger:        logger,
	}
}

// Attach registers a session. It reports false once the hub is closed.
func (h *Hub) Attach(s Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.ID()] = s
	h.sessionTopics[s.ID()] = make(map[string]struct{})
	h.logger.Debug("hub.attach", logpkg.Str("session_id", s.ID()), logpkg.Int64("user_id", s.UserID()))
	return true
}

// Detach drops a session and all of its subscriptions.
func (h *Hub) Detach(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.sessionTopics[sessionID] {
		h.unsubscribeLocked(sessionID, topic)
	}
	delete(h.sessionTopics, sessionID)
	delete(h.sessions, sessionID)
}

// Subscribe adds sessionID to destination. It reports false for an unknown
// session.
func (h *Hub) Subscribe(sessionID, destination string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return false
	}
	subs := h.topics[destination]
	if subs == nil {
		subs = make(map[string]Session)
		h.topics[destination] = subs
	}
	subs[sessionID] = s
	h.sessionTopics[sessionID][destination] = struct{}{}
	return true
}

// Unsubscribe removes sessionID from destination.
func (h *Hub) Unsubscribe(sessionID, destination string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(sessionID, destination)
}

func (h *Hub) unsubscribeLocked(sessionID, destination string) {
	if subs := h.topics[destination]; subs != nil {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(h.topics, destination)
		}
	}
	if set := h.sessionTopics[sessionID]; set != nil {
		delete(set, destination)
	}
}

// RevokeRoom unsubscribes every session of userID from the room's topics.
func (h *Hub) RevokeRoom(userID, roomID int64) int {
	dests := chat.RoomDestinations(roomID)
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, s := range h.sessions {
		if s.UserID() != userID {
			continue
		}
		for _, d := range dests {
			if _, ok := h.sessionTopics[id][d]; ok {
				h.unsubscribeLocked(id, d)
				removed++
			}
		}
	}
	if removed > 0 {
		h.logger.Debug("hub.revoke_room", logpkg.Int64("user_id", userID), logpkg.Int64("room_id", roomID), logpkg.Int("subscriptions", removed))
	}
	return removed
}

// Subscriptions lists the destinations a session listens on.
func (h *Hub) Subscriptions(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessionTopics[sessionID]))
	for t := range h.sessionTopics[sessionID] {
		out = append(out, t)
	}
	return out
}

func encodeFrame(destination string, v any) ([]byte, error) {
	return json.Marshal(Frame{Destination: destination, Payload: v})
}

// Publish delivers v to every session subscribed to destination and returns
// how many accepted it.
func (h *Hub) Publish(destination string, v any) int {
	h.mu.RLock()
	subs := make([]Session, 0, len(h.topics[destination]))
	for _, s := range h.topics[destination] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return 0
	}
	payload, err := encodeFrame(destination, v)
	if err != nil {
		h.logger.Error("hub.encode_failed", logpkg.Str("destination", destination), logpkg.Err(err))
		return 0
	}
	delivered := 0
	for _, s := range subs {
		if err := s.Send(payload); err != nil {
			h.logger.Warn("hub.send_failed", logpkg.Str("session_id", s.ID()), logpkg.Err(err))
			continue
		}
		delivered++
	}
	return delivered
}

// SendToSession delivers v to one session regardless of subscriptions.
func (h *Hub) SendToSession(sessionID, destination string, v any) bool {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	payload, err := encodeFrame(destination, v)
	if err != nil {
		h.logger.Error("hub.encode_failed", logpkg.Str("destination", destination), logpkg.Err(err))
		return false
	}
	return s.Send(payload) == nil
}

// Sessions returns the number of attached sessions.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]Session)
	h.topics = make(map[string]map[string]Session)
	h.sessionTopics = make(map[string]map[string]struct{})
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close(CloseShutdown, "server shutting down")
	}
}
