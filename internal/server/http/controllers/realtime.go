package controllers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/izp1012/meloncity/internal/chat"
	"github.com/izp1012/meloncity/internal/realtime"
	roomsvc "github.com/izp1012/meloncity/internal/services/rooms"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// RealtimeController upgrades /ws requests into chat sessions.
type RealtimeController struct {
	dispatcher *realtime.Dispatcher
	rooms      *roomsvc.Service
	upgrader   websocket.Upgrader
	conn       realtime.ConnOptions
	logger     logpkg.Logger
}

// NewRealtimeController creates the websocket controller. An empty
// allowedOrigins list, or one containing "*", accepts any origin.
func NewRealtimeController(d *realtime.Dispatcher, rooms *roomsvc.Service, conn realtime.ConnOptions, allowedOrigins []string, logger logpkg.Logger) *RealtimeController {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &RealtimeController{
		dispatcher: d,
		rooms:      rooms,
		conn:       conn,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// RegisterRoutes registers the websocket endpoint with the given router.
func (c *RealtimeController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", c.handleUpgrade).Methods(http.MethodGet)
}

// handleUpgrade resolves the caller, upgrades the connection and serves the
// session until it closes.
func (c *RealtimeController) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	user, err := c.rooms.GetUser(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		c.logger.Debug("ws.upgrade_failed", logpkg.Err(err))
		return
	}
	_ = c.dispatcher.Serve(r.Context(), realtime.NewConn(user.ID, chat.DisplayName(user.ID, user.Name), ws, c.conn))
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
