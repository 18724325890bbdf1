package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_sessions",
		Help: "Current number of live room sessions",
	})
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomsync_rooms_active",
		Help: "Number of room actors currently resident",
	})
	RoomsResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_rooms_resumed_total",
		Help: "Room actors restored from a snapshot",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_messages_total",
		Help: "Chat messages appended to room history",
	})
	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomsync_broadcast_dropped_total",
		Help: "Events not delivered because a session could not accept them",
	})
	Snapshots = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_snapshots_total",
		Help: "Room snapshot writes by result",
	}, []string{"result"})
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsync_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		Sessions,
		RoomsActive,
		RoomsResumed,
		MessagesTotal,
		BroadcastDropped,
		Snapshots,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// GinMiddleware records request counts and latency.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HTTPRequestsTotal.With(labels).Inc()
		HTTPRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
