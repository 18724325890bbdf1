package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/roomsync/internal/auth"
	"github.com/vovakirdan/roomsync/internal/core"
	"github.com/vovakirdan/roomsync/internal/proto"
)

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp
}

func TestReadEndpoints(t *testing.T) {
	ts, hub := startTestServer(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, "general", "a", "alice")
	send(t, ctx, conn, proto.Inbound{Type: proto.TypeMessage, Content: "hello"})
	sent := decode[proto.ChatMessage](t, readUntil(t, ctx, conn, proto.TypeMessage).Data)

	var messages MessagesResponse
	resp := getJSON(t, ts.URL+"/rooms/general/messages", &messages)
	if got := resp.Header.Get(HeaderRoomShard); got != hub.Owner("general") {
		t.Fatalf("%s = %q, want %q", HeaderRoomShard, got, hub.Owner("general"))
	}
	if messages.RoomID != proto.RoomAddress("general") {
		t.Fatalf("unexpected room id %s", messages.RoomID)
	}
	if len(messages.Messages) != 1 || messages.Messages[0].ID != sent.ID {
		t.Fatalf("unexpected messages: %+v", messages.Messages)
	}

	var users UsersResponse
	getJSON(t, ts.URL+"/rooms/general/users", &users)
	if len(users.Users) != 1 || users.Users[0].ID != "a" || users.Users[0].Status != proto.StatusOnline {
		t.Fatalf("unexpected users: %+v", users.Users)
	}

	var presence []PresenceEntry
	getJSON(t, ts.URL+"/rooms/general/presence", &presence)
	if len(presence) != 1 || presence[0].UserID != "a" || presence[0].LastSeen == 0 {
		t.Fatalf("unexpected presence: %+v", presence)
	}
}

func TestBroadcastEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, "general", "a", "alice")
	readUntil(t, ctx, conn, proto.TypePresenceSync)

	body := bytes.NewBufferString(`{"type":"announcement","data":{"text":"maintenance at noon"}}`)
	resp, err := http.Post(ts.URL+"/rooms/general/broadcast", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var out BroadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", out.Delivered)
	}

	frame := readUntil(t, ctx, conn, "announcement")
	data := decode[map[string]string](t, frame.Data)
	if data["text"] != "maintenance at noon" {
		t.Fatalf("unexpected payload: %s", frame.Data)
	}

	bad, err := http.Post(ts.URL+"/rooms/general/broadcast", "application/json", bytes.NewBufferString(`{"data":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing type accepted with status %d", bad.StatusCode)
	}
}

func TestBroadcastRequiresOperatorKey(t *testing.T) {
	hash, err := auth.HashKey("letmein")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	cfg := testConfig()
	cfg.Auth.BroadcastKeyHash = hash
	ts, _ := startTestServer(t, cfg)

	post := func(key string) int {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/rooms/ops/broadcast", bytes.NewBufferString(`{"type":"ping"}`))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(HeaderBroadcastKey, key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Fatalf("no key: status %d", code)
	}
	if code := post("wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status %d", code)
	}
	if code := post("letmein"); code != http.StatusAccepted {
		t.Fatalf("right key: status %d", code)
	}
}

func TestSuspendResumeAcrossConnections(t *testing.T) {
	ts, hub := startTestServer(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA, _, err := websocket.Dial(ctx, wsURL(ts, "R", map[string][]string{"userId": {"a"}, "userName": {"alice"}}), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	send(t, ctx, connA, proto.Inbound{Type: proto.TypeMessage, Content: "persist me"})
	sent := decode[proto.ChatMessage](t, readUntil(t, ctx, connA, proto.TypeMessage).Data)
	connA.Close(websocket.StatusNormalClosure, "bye")

	// The handler releases its reference once the connection is torn down.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := hub.Suspend("R")
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrRoomBusy) || time.Now().After(deadline) {
			t.Fatalf("suspend: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	connB := dial(t, ctx, ts, "R", "b", "bob")
	initB := decode[proto.InitData](t, readUntil(t, ctx, connB, proto.OutboundTypeInit).Data)

	if len(initB.Messages) != 1 || initB.Messages[0].ID != sent.ID {
		t.Fatalf("history lost across suspend: %+v", initB.Messages)
	}
	if len(initB.Presence) != 1 || initB.Presence[0].UserID != "b" {
		t.Fatalf("roster should only hold bob: %+v", initB.Presence)
	}

	var users UsersResponse
	getJSON(t, ts.URL+"/rooms/R/users", &users)
	statuses := map[string]proto.Status{}
	for _, u := range users.Users {
		statuses[u.ID] = u.Status
	}
	if statuses["a"] != proto.StatusOffline || statuses["b"] != proto.StatusOnline {
		t.Fatalf("unexpected statuses after resume: %v", statuses)
	}
}
