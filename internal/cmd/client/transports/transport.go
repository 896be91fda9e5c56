// Package transports provides the transports used by the CLI: HTTP for the
// chat API and gRPC for health checks.
package transports

import (
	"context"
	"fmt"

	"github.com/izp1012/meloncity/internal/chat"
	consumersvc "github.com/izp1012/meloncity/internal/services/consumer"
	messagesvc "github.com/izp1012/meloncity/internal/services/messages"
	"github.com/izp1012/meloncity/internal/stream"
)

// CreateRoomRequest describes a room to create.
type CreateRoomRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	MaxParticipants *int   `json:"maxParticipants,omitempty"`
	Private         bool   `json:"private,omitempty"`
}

// ChatTransport abstracts the API the CLI talks to.
type ChatTransport interface {
	StreamStatus(ctx context.Context) (consumersvc.Report, error)
	DeadLetters(ctx context.Context, limit int) ([]stream.DeadLetter, error)
	ListRooms(ctx context.Context, mine bool) ([]chat.Room, error)
	CreateRoom(ctx context.Context, req CreateRoomRequest) (chat.Room, error)
	Join(ctx context.Context, roomID int64) (chat.Participant, error)
	Leave(ctx context.Context, roomID int64) (chat.Participant, error)
	Send(ctx context.Context, roomID int64, content, tempID string) (messagesvc.SendResult, error)
	History(ctx context.Context, roomID int64, page, size int, filter string) (messagesvc.HistoryPage, error)
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string
	Rule    string
}

func (e *APIError) Error() string {
	if e.Rule != "" {
		return fmt.Sprintf("http %d: %s (%s)", e.Status, e.Message, e.Rule)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}
