package controllers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/izp1012/meloncity/internal/chat"
	roomsvc "github.com/izp1012/meloncity/internal/services/rooms"
)

// RoomsController serves users, rooms and membership.
type RoomsController struct {
	rooms *roomsvc.Service
}

// NewRoomsController creates a rooms controller.
func NewRoomsController(rooms *roomsvc.Service) *RoomsController {
	return &RoomsController{rooms: rooms}
}

// RegisterRoutes registers user and room routes with the given router.
func (c *RoomsController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/users/{userId:[0-9]+}", c.handlePutUser).Methods(http.MethodPut)

	r.HandleFunc("/v1/rooms", c.handleCreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms", c.handleListRooms).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/mine", c.handleListMine).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}", c.handleGetRoom).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}", c.handleUpdateRoom).Methods(http.MethodPatch)

	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/join", c.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/leave", c.handleLeave).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/participants", c.handleParticipants).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/participants/{userId:[0-9]+}/role", c.handleChangeRole).Methods(http.MethodPut)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/notify", c.handleNotify).Methods(http.MethodPost)
}

// handlePutUser registers or renames the caller. Users may only write
// their own record.
func (c *RoomsController) handlePutUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	if id != caller {
		writeError(w, http.StatusForbidden, "cannot modify another user")
		return
	}
	var req putUserReq
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := c.rooms.PutUser(r.Context(), id, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, u)
}

func (c *RoomsController) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	var req createRoomReq
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := c.rooms.CreateRoom(r.Context(), roomsvc.CreateRoomInput{
		Name:            req.Name,
		Description:     req.Description,
		MaxParticipants: req.MaxParticipants,
		Private:         req.Private,
		CreatorID:       caller,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, room)
}

// handleListRooms lists public rooms.
func (c *RoomsController) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := c.rooms.ListRooms(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"rooms": nonNil(rooms)})
}

// handleListMine lists the rooms the caller is active in.
func (c *RoomsController) handleListMine(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	rooms, err := c.rooms.ListUserRooms(r.Context(), caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"rooms": nonNil(rooms)})
}

func (c *RoomsController) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	room, err := c.rooms.GetRoom(r.Context(), roomID, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, room)
}

func (c *RoomsController) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	var req updateRoomReq
	if !decodeBody(w, r, &req) {
		return
	}
	room, err := c.rooms.UpdateInfo(r.Context(), roomID, caller, req.Name, req.Description)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, room)
}

func (c *RoomsController) handleJoin(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	p, err := c.rooms.Join(r.Context(), roomID, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, p)
}

func (c *RoomsController) handleLeave(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	p, err := c.rooms.Leave(r.Context(), roomID, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, p)
}

func (c *RoomsController) handleParticipants(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	ps, err := c.rooms.Participants(r.Context(), roomID, caller)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"participants": nonNil(ps)})
}

func (c *RoomsController) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	target, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	var req changeRoleReq
	if !decodeBody(w, r, &req) {
		return
	}
	role := chat.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	p, err := c.rooms.ChangeRole(r.Context(), roomID, caller, target, role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, p)
}

func (c *RoomsController) handleNotify(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	var req notifyReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := c.rooms.Notify(r.Context(), roomID, caller, req.Message); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func callerAndRoom(w http.ResponseWriter, r *http.Request) (caller, roomID int64, ok bool) {
	if caller, ok = callerID(w, r); !ok {
		return 0, 0, false
	}
	if roomID, ok = pathID(w, r, "roomId"); !ok {
		return 0, 0, false
	}
	return caller, roomID, true
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
