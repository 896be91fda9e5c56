package controllers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
)

// MessagesController serves sending, history and read receipts.
type MessagesController struct {
	messages *messagesvc.Service
}

// NewMessagesController creates a messages controller.
func NewMessagesController(messages *messagesvc.Service) *MessagesController {
	return &MessagesController{messages: messages}
}

// RegisterRoutes registers message routes with the given router.
func (c *MessagesController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/messages", c.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/messages", c.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms/{roomId:[0-9]+}/messages/{messageId:[0-9]+}/read", c.handleMarkRead).Methods(http.MethodPost)
}

// handleSend appends a message to the stream. The response only means the
// message is durable; persistence and fan-out follow asynchronously.
func (c *MessagesController) handleSend(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	var req sendMessageReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.messages.Send(r.Context(), messagesvc.Envelope{
		RoomID:     roomID,
		SenderID:   caller,
		SenderName: req.SenderName,
		Content:    req.Content,
		Type:       req.Type,
		TempID:     req.TempID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, res)
}

// handleHistory pages stored messages newest first. Query: page (from 0),
// size, filter (CEL over message).
func (c *MessagesController) handleHistory(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page := 0
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = n
	}
	hp, err := c.messages.History(r.Context(), roomID, caller, page, parseLimit(q.Get("size"), 0), q.Get("filter"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	hp.Messages = nonNil(hp.Messages)
	writeJSON(w, hp)
}

func (c *MessagesController) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	caller, roomID, ok := callerAndRoom(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(w, r, "messageId")
	if !ok {
		return
	}
	m, err := c.messages.MarkRead(r.Context(), roomID, caller, messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, m)
}
