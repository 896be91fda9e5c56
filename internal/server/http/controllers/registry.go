package controllers

import (
	"github.com/gorilla/mux"

	"github.com/izp1012/meloncity/internal/realtime"
	consumersvc "github.com/izp1012/meloncity/internal/services/consumer"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	roomsvc "github.com/izp1012/meloncity/internal/services/rooms"
	"github.com/izp1012/meloncity/internal/stream"
	logpkg "github.com/izp1012/meloncity/pkg/log"
)

// Deps are the services behind the HTTP surface. Consumers may be nil.
type Deps struct {
	Rooms          *roomsvc.Service
	Messages       *messagesvc.Service
	Stream         stream.Log
	Group          string
	Consumers      *consumersvc.Group
	Dispatcher     *realtime.Dispatcher
	Conn           realtime.ConnOptions
	AllowedOrigins []string
	Health         []HealthCheck
	Logger         logpkg.Logger
}

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general  *GeneralController
	rooms    *RoomsController
	messages *MessagesController
	stream   *StreamController
	realtime *RealtimeController
}

// NewControllerRegistry creates a new controller registry.
func NewControllerRegistry(d Deps) *ControllerRegistry {
	return &ControllerRegistry{
		general:  NewGeneralController(d.Health...),
		rooms:    NewRoomsController(d.Rooms),
		messages: NewMessagesController(d.Messages),
		stream:   NewStreamController(d.Stream, d.Group, d.Consumers),
		realtime: NewRealtimeController(d.Dispatcher, d.Rooms, d.Conn, d.AllowedOrigins, d.Logger),
	}
}

// RegisterAllRoutes registers all controller routes with the given router.
func (r *ControllerRegistry) RegisterAllRoutes(router *mux.Router) {
	r.general.RegisterRoutes(router)
	r.rooms.RegisterRoutes(router)
	r.messages.RegisterRoutes(router)
	r.stream.RegisterRoutes(router)
	r.realtime.RegisterRoutes(router)
}
