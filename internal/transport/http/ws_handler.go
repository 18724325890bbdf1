package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/auth"
	"github.com/vovakirdan/roomsync/internal/config"
	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/proto"
)

var errRoomClosed = errors.New("room closed the session")

// WSHandler upgrades HTTP connections and bridges them to a room session.
type WSHandler struct {
	hub       RoomHub
	log       *zerolog.Logger
	readLimit int64
	rateLimit config.RateLimitConfig
	jwt       *auth.JWTConfig
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub RoomHub, cfg config.Config, logger *zerolog.Logger) *WSHandler {
	h := &WSHandler{
		hub:       hub,
		log:       logger,
		readLimit: cfg.MaxMessageBytes,
		rateLimit: cfg.RateLimit,
	}
	if cfg.AuthEnabled() {
		h.jwt = &auth.JWTConfig{
			Secret:   []byte(cfg.Auth.JWTSecret),
			Issuer:   cfg.Auth.JWTIssuer,
			Audience: cfg.Auth.JWTAudience,
		}
	}
	return h
}

// Serve handles GET /rooms/:room/ws. Identity is checked before the upgrade so a
// rejected client never gets a session.
func (h *WSHandler) Serve(c *gin.Context) {
	roomName := c.Param("room")

	user, rej := h.identify(c)
	if rej != nil {
		h.log.Debug().Str("code", rej.code).Str("room", roomName).Msg("ws upgrade rejected")
		c.JSON(rej.status, ErrorResponse{Error: rej.msg, Code: rej.code})
		return
	}

	ctx := c.Request.Context()
	room, release, err := h.hub.Acquire(ctx, roomName, proto.ParseRoomType(c.Query("type")))
	if err != nil {
		respondAcquireError(c, h.log, roomName, err)
		return
	}
	defer release()

	conn, err := websocket.Accept(upgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	session, err := room.Join(ctx, user)
	if err != nil {
		h.log.Warn().Err(err).Str("room", roomName).Msg("join failed")
		conn.Close(websocket.StatusTryAgainLater, "room unavailable")
		return
	}
	defer room.Leave(session)

	log := h.log.With().
		Str("room", roomName).
		Str("user_id", user.ID).
		Str("session_id", session.ID).
		Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, room, session, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, session, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	closeStatus := websocket.StatusNormalClosure
	reason := "closing"
	if errors.Is(err, errRoomClosed) {
		closeStatus, reason, err = websocket.StatusGoingAway, "room closed", nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			closeStatus = s
		}
		if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if closeStatus == websocket.StatusNormalClosure {
				closeStatus = websocket.StatusInternalError
			}
			reason = err.Error()
			log.Warn().Err(err).Msg("ws connection closed with error")
		}
	}

	conn.Close(closeStatus, reason)
}

// upgradeWriter hands coder/websocket the writer beneath gin's wrapper. gin
// flushes headers before the hijack and then refuses it as already written.
func upgradeWriter(w gin.ResponseWriter) http.ResponseWriter {
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		return u.Unwrap()
	}
	return w
}

// rejection is an upgrade refused before any room work happens.
type rejection struct {
	status int
	code   string
	msg    string
}

// identify resolves the connecting user from the query string, or from a
// verified token when auth is enabled.
func (h *WSHandler) identify(c *gin.Context) (proto.User, *rejection) {
	user := proto.User{
		ID:     strings.TrimSpace(c.Query("userId")),
		Name:   c.Query("userName"),
		Avatar: c.Query("avatar"),
		Color:  c.Query("color"),
	}

	if h.jwt != nil {
		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.GetHeader("Authorization"))
		}
		claims, err := auth.ValidateToken(h.jwt, token)
		if err != nil {
			return user, &rejection{http.StatusUnauthorized, core.ErrCodeUnauthorized, "invalid token"}
		}
		user.ID = claims.UserID
		if claims.Username != "" {
			user.Name = claims.Username
		}
		if claims.Avatar != "" {
			user.Avatar = claims.Avatar
		}
		if claims.Color != "" {
			user.Color = claims.Color
		}
	}

	if user.ID == "" {
		return user, &rejection{http.StatusBadRequest, core.ErrCodeMissingIdentity, "userId is required"}
	}
	return user, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, room *core.Room, session *core.Session, log *zerolog.Logger) error {
	limiter := newSessionLimiter(h.rateLimit)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		// Malformed frames are answered on this session only; the connection stays open.
		if typ != websocket.MessageText {
			if err := writeError(ctx, conn, core.ErrCodeBadRequest, "binary frames are not supported"); err != nil {
				return err
			}
			continue
		}
		if !limiter.allow() {
			log.Debug().Msg("inbound frame rate limited")
			if err := writeError(ctx, conn, core.ErrCodeRateLimited, "too many messages"); err != nil {
				return err
			}
			continue
		}

		var inbound proto.Inbound
		if err := json.Unmarshal(data, &inbound); err != nil {
			log.Debug().Err(err).Msg("malformed inbound frame")
			if err := writeError(ctx, conn, core.ErrCodeInvalidMessage, "malformed JSON"); err != nil {
				return err
			}
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			if err := wsjson.Write(ctx, conn, proto.Outbound{Type: proto.OutboundTypeError, Error: protoErr}); err != nil {
				return err
			}
			continue
		}
		if err := room.Submit(ctx, session, cmd); err != nil {
			if errors.Is(err, core.ErrRoomStopped) {
				return errRoomClosed
			}
			return err
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, session *core.Session, log *zerolog.Logger) error {
	for {
		select {
		case event, ok := <-session.Events():
			if !ok {
				return errRoomClosed
			}
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, outboundFromEvent(event))
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func writeError(ctx context.Context, conn *websocket.Conn, code, msg string) error {
	return wsjson.Write(ctx, conn, proto.Outbound{
		Type:  proto.OutboundTypeError,
		Error: &proto.Error{Code: code, Msg: msg},
	})
}
