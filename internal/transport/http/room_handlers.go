package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/proto"
)

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RoomHandlers serves the read endpoints and the broadcast injector of a room.
type RoomHandlers struct {
	hub RoomHub
	log *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(hub RoomHub, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		hub: hub,
		log: logger,
	}
}

// MessagesResponse is the body of GET /rooms/:room/messages.
type MessagesResponse struct {
	Messages []proto.ChatMessage `json:"messages"`
	RoomID   string              `json:"roomId"`
}

// UsersResponse is the body of GET /rooms/:room/users.
type UsersResponse struct {
	Users  []proto.User `json:"users"`
	RoomID string       `json:"roomId"`
}

// PresenceEntry is one element of GET /rooms/:room/presence.
type PresenceEntry struct {
	UserID   string       `json:"userId"`
	Status   proto.Status `json:"status"`
	LastSeen int64        `json:"lastSeen"`
}

// BroadcastRequest is the body of POST /rooms/:room/broadcast.
type BroadcastRequest struct {
	Type string          `json:"type" binding:"required"`
	Data json.RawMessage `json:"data"`
}

// BroadcastResponse reports how many sessions took the envelope.
type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// Messages returns the room history.
// GET /rooms/:room/messages
func (h *RoomHandlers) Messages(c *gin.Context) {
	room, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	messages, err := room.Messages(c.Request.Context())
	if err != nil {
		h.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, MessagesResponse{Messages: messages, RoomID: room.ID()})
}

// Users returns every known user with status.
// GET /rooms/:room/users
func (h *RoomHandlers) Users(c *gin.Context) {
	room, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	users, err := room.Users(c.Request.Context())
	if err != nil {
		h.queryFailed(c, err)
		return
	}
	c.JSON(http.StatusOK, UsersResponse{Users: users, RoomID: room.ID()})
}

// Presence lists userId, status and lastSeen per user.
// GET /rooms/:room/presence
func (h *RoomHandlers) Presence(c *gin.Context) {
	room, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	presence, err := room.Presence(c.Request.Context())
	if err != nil {
		h.queryFailed(c, err)
		return
	}
	out := make([]PresenceEntry, 0, len(presence))
	for _, p := range presence {
		out = append(out, PresenceEntry{UserID: p.UserID, Status: p.Status, LastSeen: p.LastSeen})
	}
	c.JSON(http.StatusOK, out)
}

// Broadcast injects a server-originated envelope into every session of the room.
// POST /rooms/:room/broadcast
func (h *RoomHandlers) Broadcast(c *gin.Context) {
	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Type) == "" {
		h.log.Debug().Err(err).Msg("invalid broadcast request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	room, release, ok := h.acquire(c)
	if !ok {
		return
	}
	defer release()

	delivered, err := room.Broadcast(c.Request.Context(), req.Type, req.Data)
	if err != nil {
		h.queryFailed(c, err)
		return
	}

	h.log.Info().Str("room", room.Name()).Str("type", req.Type).Int("delivered", delivered).Msg("server broadcast")
	c.JSON(http.StatusAccepted, BroadcastResponse{Delivered: delivered})
}

func (h *RoomHandlers) acquire(c *gin.Context) (*core.Room, func(), bool) {
	name := c.Param("room")
	room, release, err := h.hub.Acquire(c.Request.Context(), name, proto.ParseRoomType(c.Query("type")))
	if err != nil {
		respondAcquireError(c, h.log, name, err)
		return nil, nil, false
	}
	return room, release, true
}

func respondAcquireError(c *gin.Context, log *zerolog.Logger, name string, err error) {
	switch {
	case errors.Is(err, core.ErrInvalidRoom):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, core.ErrHubClosed):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
	default:
		log.Error().Err(err).Str("room", name).Msg("failed to acquire room")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func (h *RoomHandlers) queryFailed(c *gin.Context, err error) {
	if errors.Is(err, core.ErrRoomStopped) {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "room is suspending, retry"})
		return
	}
	h.log.Error().Err(err).Str("room", c.Param("room")).Msg("room query failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}
