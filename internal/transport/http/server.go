package http

import (
	"context"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/config"
	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/metrics"
	"github.com/vovakirdan/roomsync/internal/proto"
)

// RoomHub is the part of core.Hub the transport needs.
type RoomHub interface {
	Acquire(ctx context.Context, name string, kind proto.RoomType) (*core.Room, func(), error)
	Owner(name string) string
	Stats() map[string]int
}

// NewServer builds an HTTP server with the room routes.
func NewServer(hub RoomHub, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(hub, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter wires middleware, read endpoints and the websocket endpoint.
func NewRouter(hub RoomHub, cfg config.Config, logger *zerolog.Logger) *gin.Engine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(LoggerMiddleware(logger))

	r.GET("/health", healthHandler(hub))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rooms := NewRoomHandlers(hub, logger)
	ws := NewWSHandler(hub, cfg, logger)

	g := r.Group("/rooms/:room")
	g.Use(RoomShardMiddleware(hub))
	g.GET("/ws", ws.Serve)
	g.GET("/messages", rooms.Messages)
	g.GET("/users", rooms.Users)
	g.GET("/presence", rooms.Presence)
	g.POST("/broadcast", BroadcastKeyMiddleware(cfg.Auth.BroadcastKeyHash, logger), rooms.Broadcast)

	return r
}

// HealthResponse reports liveness and resident rooms per shard.
type HealthResponse struct {
	Status string         `json:"status"`
	Shards map[string]int `json:"shards"`
}

func healthHandler(hub RoomHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(stdhttp.StatusOK, HealthResponse{Status: "ok", Shards: hub.Stats()})
	}
}
