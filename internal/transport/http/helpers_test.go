package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/vovakirdan/roomsync/internal/config"
	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.ReadHeaderTimeout = time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.Store.Driver = config.DriverMemory
	return cfg
}

func startTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *core.Hub) {
	t.Helper()

	hub := core.NewHub(memory.New(), core.Options{Shards: 2}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	server := NewServer(hub, cfg, nil)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return ts, hub
}

func wsURL(ts *httptest.Server, room string, query url.Values) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/rooms/" + room + "/ws?" + query.Encode()
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, room, userID, userName string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, wsURL(ts, room, url.Values{"userId": {userID}, "userName": {userName}}), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string) proto.Frame {
	t.Helper()

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if frame.Type == typ {
			return frame
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %T: %v", out, err)
	}
	return out
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, v any) {
	t.Helper()

	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}
