package controllers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	consumersvc "github.com/izp1012/meloncity/internal/services/consumer"
	"github.com/izp1012/meloncity/internal/stream"
)

const defaultDLQLimit = 50

// StreamController exposes the chat stream's consumer state for operators.
type StreamController struct {
	log       stream.Log
	group     string
	consumers *consumersvc.Group
}

// NewStreamController creates a stream controller. consumers may be nil on
// nodes that only produce.
func NewStreamController(log stream.Log, group string, consumers *consumersvc.Group) *StreamController {
	return &StreamController{log: log, group: group, consumers: consumers}
}

// RegisterRoutes registers stream routes with the given router.
func (c *StreamController) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/stream/status", c.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/stream/dlq", c.handleDeadLetters).Methods(http.MethodGet)
}

func (c *StreamController) status(ctx context.Context) (consumersvc.Report, error) {
	if c.consumers != nil {
		return c.consumers.Status(ctx)
	}
	return consumersvc.Status(ctx, c.log, c.group)
}

// handleStatus reports stream length, groups, pending entries and, when
// this node consumes, per-processor counters.
func (c *StreamController) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := c.status(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, rep)
}

// handleDeadLetters lists the newest dead letters. Query: limit.
func (c *StreamController) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), defaultDLQLimit)
	dls, err := c.log.DeadLetters(r.Context(), c.group, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, map[string]any{"group": c.group, "deadLetters": nonNil(dls)})
}
