package app

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/vovakirdan/roomsync/internal/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	st, err := OpenStore(ctx, config.StoreConfig{Driver: config.DriverMemory})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	st.Close()

	st, err = OpenStore(ctx, config.StoreConfig{Driver: config.DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "rooms.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	st.Close()

	if _, err := OpenStore(ctx, config.StoreConfig{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestHubOptionsFromConfig(t *testing.T) {
	rooms := config.Default().Rooms
	opts := HubOptions(rooms)

	if opts.Shards != rooms.Shards || opts.IdleTimeout != rooms.IdleTimeout {
		t.Fatalf("hub options not mapped: %+v", opts)
	}
	if opts.Room.HistoryLimit != 1000 || opts.Room.InitHistory != 50 || opts.Room.SnapshotEvery != 10 {
		t.Fatalf("room options not mapped: %+v", opts.Room)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = freeAddr(t)
	cfg.Store.Driver = config.DriverMemory
	cfg.ShutdownTimeout = time.Second

	application, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	url := "http://" + cfg.Addr + "/health"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("health status %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "tape"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected config error")
	}
}
