package core

import (
	"context"
	"testing"
	"time"

	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/store"
)

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// drain discards everything currently buffered on ch.
func drain(ch <-chan *Event) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// pending returns the events currently buffered on ch without waiting.
func pending(ch <-chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestHub(t *testing.T, st store.SnapshotStore, opts Options) *Hub {
	t.Helper()

	hub := NewHub(st, opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func acquire(t *testing.T, hub *Hub, name string) (*Room, func()) {
	t.Helper()

	room, release, err := hub.Acquire(context.Background(), name, proto.RoomTypeGroup)
	if err != nil {
		t.Fatalf("acquire %s: %v", name, err)
	}
	return room, release
}

func join(t *testing.T, room *Room, id, name string) *Session {
	t.Helper()

	s, err := room.Join(context.Background(), proto.User{ID: id, Name: name})
	if err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return s
}

func submit(t *testing.T, room *Room, s *Session, cmd Command) {
	t.Helper()

	if err := room.Submit(context.Background(), s, cmd); err != nil {
		t.Fatalf("submit: %v", err)
	}
}
