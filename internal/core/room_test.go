package core

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/store"
	"github.com/vovakirdan/roomsync/internal/store/memory"
)

func TestJoinSendsInitThenPresence(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")

	initEv := mustEvent(t, alice.Events(), EventInit)
	if initEv.Init.Self.ID != "a" || initEv.Init.Self.Status != proto.StatusOnline {
		t.Fatalf("unexpected self: %+v", initEv.Init.Self)
	}
	if initEv.Init.Room.Name != "general" || initEv.Init.Room.ID != proto.RoomAddress("general") {
		t.Fatalf("unexpected room info: %+v", initEv.Init.Room)
	}
	if len(initEv.Init.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(initEv.Init.Messages))
	}

	syncEv := mustEvent(t, alice.Events(), EventPresenceSync)
	if len(syncEv.Roster) != 1 || syncEv.Roster[0].UserID != "a" {
		t.Fatalf("unexpected roster: %+v", syncEv.Roster)
	}

	bob := join(t, room, "b", "bob")

	joinEv := mustEvent(t, alice.Events(), EventPresenceJoin)
	if joinEv.Presence.UserID != "b" || joinEv.Presence.User.Name != "bob" {
		t.Fatalf("unexpected join event: %+v", joinEv.Presence)
	}

	// Bob is not told about his own arrival.
	mustEvent(t, bob.Events(), EventPresenceSync)
	for _, ev := range pending(bob.Events()) {
		if ev.Kind == EventPresenceJoin {
			t.Fatalf("joining session received its own presence join")
		}
	}
}

func TestJoinRequiresIdentity(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	_, err := room.Join(context.Background(), proto.User{ID: "  ", Name: "ghost"})
	if !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}

	users, err := room.Users(context.Background())
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("rejected join left state behind: %+v", users)
	}
}

func TestMessageEchoedToSenderWithSameIdentity(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "R")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")
	drain(alice.Events())
	drain(bob.Events())

	submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "hi"})

	fromA := mustEvent(t, alice.Events(), EventMessage).Message
	fromB := mustEvent(t, bob.Events(), EventMessage).Message

	if fromA.ID == "" || fromA.ID != fromB.ID || fromA.Timestamp != fromB.Timestamp || fromA.Seq != fromB.Seq {
		t.Fatalf("sessions disagree on message: %+v vs %+v", fromA, fromB)
	}
	if fromA.Content != "hi" || fromA.UserID != "a" || fromA.UserName != "alice" {
		t.Fatalf("unexpected message: %+v", fromA)
	}

	history, err := room.Messages(context.Background())
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(history) != 1 || history[0].ID != fromA.ID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestEmptyMessageRejectedToSenderOnly(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")
	drain(alice.Events())
	drain(bob.Events())

	submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "   "})

	ev := mustEvent(t, alice.Events(), EventError)
	if ev.Error.Code != ErrCodeInvalidMessage {
		t.Fatalf("unexpected error code: %s", ev.Error.Code)
	}
	if got := pending(bob.Events()); len(got) != 0 {
		t.Fatalf("bob should see nothing, got %d events", len(got))
	}
}

func TestTypingExcludesSender(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")
	drain(alice.Events())
	drain(bob.Events())

	submit(t, room, alice, Command{Kind: CommandTyping, IsTyping: true})

	ev := mustEvent(t, bob.Events(), EventTyping)
	if ev.Typing.UserID != "a" || !ev.Typing.IsTyping || ev.Typing.UserName != "alice" {
		t.Fatalf("unexpected typing: %+v", ev.Typing)
	}
	for _, ev := range pending(alice.Events()) {
		if ev.Kind == EventTyping {
			t.Fatal("sender received its own typing indicator")
		}
	}

	history, _ := room.Messages(context.Background())
	if len(history) != 0 {
		t.Fatal("typing must not be recorded in history")
	}
}

func TestHistoryIsBoundedAndInitCarriesTail(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "busy")
	defer release()

	alice := join(t, room, "a", "alice")
	for range 1005 {
		submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "x"})
		drain(alice.Events())
	}

	history, err := room.Messages(context.Background())
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(history) != 1000 {
		t.Fatalf("history length = %d, want 1000", len(history))
	}
	if history[0].Seq != 6 || history[len(history)-1].Seq != 1005 {
		t.Fatalf("wrong window: first=%d last=%d", history[0].Seq, history[len(history)-1].Seq)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq != history[i-1].Seq+1 {
			t.Fatalf("history out of order at %d", i)
		}
	}

	bob := join(t, room, "b", "bob")
	initEv := mustEvent(t, bob.Events(), EventInit)
	if len(initEv.Init.Messages) != 50 {
		t.Fatalf("init carried %d messages, want 50", len(initEv.Init.Messages))
	}
	if initEv.Init.Messages[0].Seq != 956 || initEv.Init.Messages[49].Seq != 1005 {
		t.Fatalf("init is not the newest tail: %d..%d", initEv.Init.Messages[0].Seq, initEv.Init.Messages[49].Seq)
	}
}

func TestReactionToggleIsIdempotent(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")

	submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "react to me"})
	msg := mustEvent(t, bob.Events(), EventMessage).Message

	react := func(add bool) {
		submit(t, room, bob, Command{Kind: CommandReaction, MessageID: msg.ID, Emoji: "👍", Add: add})
	}

	react(true)
	react(true)

	ev := mustEvent(t, alice.Events(), EventReaction)
	if ev.Reaction.MessageID != msg.ID || ev.Reaction.UserID != "b" || !ev.Reaction.Add {
		t.Fatalf("unexpected reaction event: %+v", ev.Reaction)
	}

	history, _ := room.Messages(context.Background())
	if got := history[0].Reactions["👍"]; len(got) != 1 || got[0] != "b" {
		t.Fatalf("double add should record once, got %v", got)
	}

	react(false)
	react(false)
	history, _ = room.Messages(context.Background())
	if history[0].Reactions != nil {
		t.Fatalf("expected reactions cleared, got %v", history[0].Reactions)
	}
}

func TestReactionToUnknownMessage(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	drain(alice.Events())

	submit(t, room, alice, Command{Kind: CommandReaction, MessageID: "nope", Emoji: "👍", Add: true})
	ev := mustEvent(t, alice.Events(), EventError)
	if ev.Error.Code != ErrCodeMessageNotFound {
		t.Fatalf("unexpected error code: %s", ev.Error.Code)
	}
}

func TestEditOnlyByAuthor(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")

	submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "typo"})
	msg := mustEvent(t, bob.Events(), EventMessage).Message
	drain(bob.Events())

	submit(t, room, bob, Command{Kind: CommandEdit, MessageID: msg.ID, Content: "hijack"})
	if ev := mustEvent(t, bob.Events(), EventError); ev.Error.Code != ErrCodeForbidden {
		t.Fatalf("unexpected error code: %s", ev.Error.Code)
	}

	submit(t, room, alice, Command{Kind: CommandEdit, MessageID: msg.ID, Content: "fixed"})
	ev := mustEvent(t, bob.Events(), EventEdit)
	if ev.Edit.Content != "fixed" || ev.Edit.EditedAt == 0 {
		t.Fatalf("unexpected edit: %+v", ev.Edit)
	}

	history, _ := room.Messages(context.Background())
	if !history[0].Edited || history[0].Content != "fixed" {
		t.Fatalf("edit not applied: %+v", history[0])
	}
}

func TestPresenceUpdateMergesAndExcludesSender(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")
	drain(alice.Events())
	drain(bob.Events())

	submit(t, room, alice, Command{Kind: CommandPresenceUpdate, Presence: map[string]any{"cursor": 10.0, "status": "away"}})

	ev := mustEvent(t, bob.Events(), EventPresenceUpdate)
	if ev.Presence.UserID != "a" || ev.Presence.Data["cursor"] != 10.0 || ev.Presence.Status != proto.StatusAway {
		t.Fatalf("unexpected update: %+v", ev.Presence)
	}
	for _, ev := range pending(alice.Events()) {
		if ev.Kind == EventPresenceUpdate {
			t.Fatal("sender received its own presence update")
		}
	}

	// offline cannot be claimed while a session is live.
	submit(t, room, alice, Command{Kind: CommandPresenceUpdate, Presence: map[string]any{"status": "offline"}})
	users, _ := room.Users(context.Background())
	for _, u := range users {
		if u.ID == "a" && u.Status != proto.StatusAway {
			t.Fatalf("status = %s, want away", u.Status)
		}
	}
}

func TestRosterMatchesLiveSessions(t *testing.T) {
	hub := newTestHub(t, nil, Options{Room: RoomOptions{SessionBuffer: 4096}})
	room, release := acquire(t, hub, "churn")
	defer release()

	rng := rand.New(rand.NewSource(42))
	userIDs := []string{"u0", "u1", "u2", "u3"}
	var live []*Session

	for step := range 300 {
		if len(live) == 0 || rng.Intn(2) == 0 {
			id := userIDs[rng.Intn(len(userIDs))]
			live = append(live, join(t, room, id, id))
		} else {
			i := rng.Intn(len(live))
			room.Leave(live[i])
			live = append(live[:i], live[i+1:]...)
		}

		want := make(map[string]bool)
		for _, s := range live {
			want[s.UserID] = true
		}

		users, err := room.Users(context.Background())
		if err != nil {
			t.Fatalf("users: %v", err)
		}
		for _, u := range users {
			online := u.Status == proto.StatusOnline
			if online != want[u.ID] {
				t.Fatalf("step %d: user %s online=%v, live sessions=%v", step, u.ID, online, want[u.ID])
			}
		}
		for id := range want {
			found := false
			for _, u := range users {
				found = found || u.ID == id
			}
			if !found {
				t.Fatalf("step %d: user %s has a session but no roster entry", step, id)
			}
		}
	}
}

func TestLeaveWaitsForLastSession(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	tab1 := join(t, room, "a", "alice")
	tab2 := join(t, room, "a", "alice")
	bob := join(t, room, "b", "bob")
	drain(bob.Events())

	room.Leave(tab1)
	for range tab1.Events() {
		// closed once the leave is processed
	}
	for _, ev := range pending(bob.Events()) {
		if ev.Kind == EventPresenceLeave {
			t.Fatal("leave announced while another tab is open")
		}
	}

	room.Leave(tab2)
	ev := mustEvent(t, bob.Events(), EventPresenceLeave)
	if ev.UserID != "a" {
		t.Fatalf("unexpected leave: %+v", ev)
	}

	presence, _ := room.Presence(context.Background())
	for _, p := range presence {
		if p.UserID == "a" && (p.Status != proto.StatusOffline || p.LastSeen == 0) {
			t.Fatalf("unexpected presence for departed user: %+v", p)
		}
	}
}

func TestBroadcastSkipsFullSession(t *testing.T) {
	hub := newTestHub(t, nil, Options{Room: RoomOptions{SessionBuffer: 2}})
	room, release := acquire(t, hub, "general")
	defer release()

	stuck := join(t, room, "s", "stuck") // never drained; init + sync fill its buffer
	alice := join(t, room, "a", "alice")
	drain(alice.Events())

	delivered, err := room.Broadcast(context.Background(), "announcement", []byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	ev := mustEvent(t, alice.Events(), EventCustom)
	if ev.Custom.Type != "announcement" || string(ev.Custom.Data) != `{"text":"hello"}` {
		t.Fatalf("unexpected custom event: %+v", ev.Custom)
	}

	if len(stuck.Events()) != cap(stuck.Events()) {
		t.Fatal("stuck session should still hold a full buffer")
	}
}

func TestSnapshotEveryTenMessages(t *testing.T) {
	st := memory.New()
	hub := newTestHub(t, st, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	for range 9 {
		submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "m"})
		drain(alice.Events())
	}
	// Any query is ordered after the submitted commands.
	if _, err := room.Info(context.Background()); err != nil {
		t.Fatalf("info: %v", err)
	}
	if st.Saves() != 0 {
		t.Fatalf("saved after 9 messages: %d", st.Saves())
	}

	submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "m"})
	if _, err := room.Info(context.Background()); err != nil {
		t.Fatalf("info: %v", err)
	}
	if st.Saves() != 1 {
		t.Fatalf("saves = %d after 10 messages, want 1", st.Saves())
	}

	snap, err := st.LoadSnapshot(context.Background(), room.ID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.MessageHistory) != 10 || snap.Name != "general" {
		t.Fatalf("unexpected snapshot: %d messages, name %q", len(snap.MessageHistory), snap.Name)
	}
}

func TestSecondTabKeepsAwayStatus(t *testing.T) {
	hub := newTestHub(t, nil, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	status := func() proto.Status {
		t.Helper()
		users, err := room.Users(context.Background())
		if err != nil {
			t.Fatalf("users: %v", err)
		}
		for _, u := range users {
			if u.ID == "a" {
				return u.Status
			}
		}
		t.Fatal("user a missing from roster")
		return ""
	}

	tab1 := join(t, room, "a", "alice")
	submit(t, room, tab1, Command{Kind: CommandPresenceUpdate, Presence: map[string]any{"status": "away"}})
	tab2 := join(t, room, "a", "alice")
	if got := status(); got != proto.StatusAway {
		t.Fatalf("status after second tab = %s, want away", got)
	}

	room.Leave(tab1)
	room.Leave(tab2)
	for range tab2.Events() {
	}
	if got := status(); got != proto.StatusOffline {
		t.Fatalf("status after last tab = %s, want offline", got)
	}

	join(t, room, "a", "alice")
	if got := status(); got != proto.StatusOnline {
		t.Fatalf("status after rejoin = %s, want online", got)
	}
}

// firstSaveFails rejects the first snapshot write and stores the rest.
type firstSaveFails struct {
	*memory.Store

	mu       sync.Mutex
	attempts int
}

func (s *firstSaveFails) SaveSnapshot(ctx context.Context, snap *store.RoomSnapshot) error {
	s.mu.Lock()
	s.attempts++
	first := s.attempts == 1
	s.mu.Unlock()
	if first {
		return errors.New("store unavailable")
	}
	return s.Store.SaveSnapshot(ctx, snap)
}

func TestFailedSnapshotRetriedOnNextMessage(t *testing.T) {
	st := &firstSaveFails{Store: memory.New()}
	hub := newTestHub(t, st, Options{})
	room, release := acquire(t, hub, "general")
	defer release()

	alice := join(t, room, "a", "alice")
	send := func() {
		t.Helper()
		submit(t, room, alice, Command{Kind: CommandSendMessage, Content: "m"})
		drain(alice.Events())
		if _, err := room.Info(context.Background()); err != nil {
			t.Fatalf("info: %v", err)
		}
	}

	for range 10 {
		send()
	}
	if st.Saves() != 0 {
		t.Fatalf("saves = %d after a failed write, want 0", st.Saves())
	}

	send()
	if st.Saves() != 1 {
		t.Fatalf("saves = %d, want the 11th message to retry", st.Saves())
	}
	snap, err := st.LoadSnapshot(context.Background(), room.ID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.MessageHistory) != 11 {
		t.Fatalf("snapshot holds %d messages, want 11", len(snap.MessageHistory))
	}

	// Back to the normal cadence after a successful retry.
	for range 9 {
		send()
	}
	if st.Saves() != 1 {
		t.Fatalf("saves = %d after 9 more messages, want 1", st.Saves())
	}
	send()
	if st.Saves() != 2 {
		t.Fatalf("saves = %d after 10 more messages, want 2", st.Saves())
	}
}
