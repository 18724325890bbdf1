package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/auth"
)

// HeaderRoomShard names the shard owning the requested room.
const HeaderRoomShard = "X-Room-Shard"

// HeaderBroadcastKey carries the operator key for server-initiated broadcasts.
const HeaderBroadcastKey = "X-Broadcast-Key"

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process request
		c.Next()

		// Log after request
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

// RoomShardMiddleware tags every room response with its owning shard.
func RoomShardMiddleware(hub RoomHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		if room := c.Param("room"); room != "" {
			c.Header(HeaderRoomShard, hub.Owner(room))
		}
		c.Next()
	}
}

// BroadcastKeyMiddleware requires the operator key when hash is set.
func BroadcastKeyMiddleware(hash string, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			c.Next()
			return
		}
		key := c.GetHeader(HeaderBroadcastKey)
		if key == "" || auth.CompareKey(hash, key) != nil {
			logger.Debug().Str("room", c.Param("room")).Msg("broadcast rejected: bad operator key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid broadcast key"})
			return
		}
		c.Next()
	}
}
