package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/metrics"
	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/store"
	"github.com/vovakirdan/roomsync/internal/utils"
)

// RoomOptions tunes a room actor.
type RoomOptions struct {
	HistoryLimit  int
	InitHistory   int
	SnapshotEvery int
	SessionBuffer int
	StoreTimeout  time.Duration
	Now           func() time.Time
}

// DefaultRoomOptions returns the production limits.
func DefaultRoomOptions() RoomOptions {
	return RoomOptions{
		HistoryLimit:  1000,
		InitHistory:   50,
		SnapshotEvery: 10,
		SessionBuffer: 64,
		StoreTimeout:  5 * time.Second,
		Now:           time.Now,
	}
}

func (o RoomOptions) withDefaults() RoomOptions {
	def := DefaultRoomOptions()
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = def.HistoryLimit
	}
	if o.InitHistory <= 0 {
		o.InitHistory = def.InitHistory
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = def.SnapshotEvery
	}
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = def.SessionBuffer
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

type joinRequest struct {
	user  proto.User
	reply chan *Session
}

type sessionCommand struct {
	session *Session
	cmd     Command
}

type presenceState struct {
	lastSeen int64
	data     map[string]any
}

// Room is the single-writer actor owning one room's live state.
// Every field below the channels is touched only by the run goroutine.
type Room struct {
	id    string
	name  string
	kind  proto.RoomType
	shard string

	join     chan joinRequest
	leave    chan *Session
	commands chan sessionCommand
	exec     chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	createdAt     int64
	lastActivity  int64
	users         map[string]*proto.User
	userOrder     []string
	presence      map[string]*presenceState
	history       []proto.ChatMessage
	seq           int64
	sessions      map[*Session]struct{}
	liveSessions  map[string]int
	sinceSnapshot int
	dirty         bool

	store store.SnapshotStore
	opts  RoomOptions
	log   zerolog.Logger
}

func newRoom(id, name string, kind proto.RoomType, shard string, st store.SnapshotStore, opts RoomOptions, logger zerolog.Logger) *Room {
	return &Room{
		id:           id,
		name:         name,
		kind:         kind,
		shard:        shard,
		join:         make(chan joinRequest),
		leave:        make(chan *Session),
		commands:     make(chan sessionCommand),
		exec:         make(chan func()),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		users:        make(map[string]*proto.User),
		presence:     make(map[string]*presenceState),
		sessions:     make(map[*Session]struct{}),
		liveSessions: make(map[string]int),
		store:        st,
		opts:         opts.withDefaults(),
		log:          logger.With().Str("room", name).Str("shard", shard).Logger(),
	}
}

// ID is the room's address.
func (r *Room) ID() string { return r.id }

// Name is the human-readable room name.
func (r *Room) Name() string { return r.name }

// Shard names the owner of this room.
func (r *Room) Shard() string { return r.shard }

// restore loads the last snapshot. It runs before the actor serves any request.
func (r *Room) restore(ctx context.Context) error {
	now := r.nowMillis()
	if r.store == nil {
		r.createdAt, r.lastActivity = now, now
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	snap, err := r.store.LoadSnapshot(ctx, r.id)
	if errors.Is(err, store.ErrNotFound) {
		r.createdAt, r.lastActivity = now, now
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot %s: %w", r.id, err)
	}

	if snap.Type != "" {
		r.kind = snap.Type
	}
	r.createdAt = snap.CreatedAt
	r.lastActivity = snap.LastActivity

	// Nobody is connected to a freshly resumed actor.
	for _, u := range snap.Users {
		user := u.Clone()
		user.Status = proto.StatusOffline
		if _, exists := r.users[user.ID]; !exists {
			r.userOrder = append(r.userOrder, user.ID)
		}
		r.users[user.ID] = &user
	}

	r.history = snap.MessageHistory
	if over := len(r.history) - r.opts.HistoryLimit; over > 0 {
		r.history = r.history[over:]
	}
	for _, m := range r.history {
		r.seq = max(r.seq, m.Seq)
	}

	metrics.RoomsResumed.Inc()
	r.log.Info().Int("messages", len(r.history)).Int("users", len(r.users)).Msg("room resumed from snapshot")
	return nil
}

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case req := <-r.join:
			req.reply <- r.handleJoin(req.user)
		case s := <-r.leave:
			r.handleLeave(s)
		case sc := <-r.commands:
			r.handleCommand(sc.session, sc.cmd)
		case fn := <-r.exec:
			fn()
		case <-r.quit:
			r.shutdown()
			return
		}
	}
}

// stop terminates the actor after a final snapshot and waits for it to exit.
func (r *Room) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

// Join registers a new session for user. The user id is mandatory and is checked
// before anything is created.
func (r *Room) Join(ctx context.Context, user proto.User) (*Session, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return nil, ErrMissingIdentity
	}

	reply := make(chan *Session, 1)
	select {
	case r.join <- joinRequest{user: user, reply: reply}:
	case <-r.done:
		return nil, ErrRoomStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-reply, nil
}

// Leave removes a session. Safe to call after the room stopped.
func (r *Room) Leave(s *Session) {
	select {
	case r.leave <- s:
	case <-r.done:
	}
}

// Submit queues a command from s.
func (r *Room) Submit(ctx context.Context, s *Session, cmd Command) error {
	select {
	case r.commands <- sessionCommand{session: s, cmd: cmd}:
		return nil
	case <-r.done:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// query runs fn on the actor goroutine and waits for it.
func (r *Room) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.exec <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRoomStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// The actor runs fn to completion once it has taken it.
	<-finished
	return nil
}

// Messages returns the bounded history in append order.
func (r *Room) Messages(ctx context.Context) ([]proto.ChatMessage, error) {
	var out []proto.ChatMessage
	err := r.query(ctx, func() { out = proto.CloneMessages(r.history) })
	return out, err
}

// Users returns every known user with its current status.
func (r *Room) Users(ctx context.Context) ([]proto.User, error) {
	var out []proto.User
	err := r.query(ctx, func() { out = r.userList() })
	return out, err
}

// Presence returns userId, status and lastSeen for every known user.
func (r *Room) Presence(ctx context.Context) ([]proto.Presence, error) {
	var out []proto.Presence
	err := r.query(ctx, func() {
		out = make([]proto.Presence, 0, len(r.userOrder))
		for _, id := range r.userOrder {
			p := proto.Presence{UserID: id, Status: r.users[id].Status}
			if st := r.presence[id]; st != nil {
				p.LastSeen = st.lastSeen
			}
			out = append(out, p)
		}
	})
	return out, err
}

// Info describes the room without its history.
func (r *Room) Info(ctx context.Context) (proto.RoomInfo, error) {
	var out proto.RoomInfo
	err := r.query(ctx, func() { out = r.info() })
	return out, err
}

// Broadcast injects a server-originated envelope into every session and
// reports how many sessions accepted it.
func (r *Room) Broadcast(ctx context.Context, typ string, data json.RawMessage) (int, error) {
	var delivered int
	ev := &Event{Kind: EventCustom, Room: r.name, Custom: &CustomEvent{Type: typ, Data: data}}
	err := r.query(ctx, func() { delivered = r.broadcast(ev, nil) })
	return delivered, err
}

// Snapshot forces a snapshot write of the current durable state.
func (r *Room) Snapshot(ctx context.Context) error {
	var err error
	if qerr := r.query(ctx, func() { err = r.persist() }); qerr != nil {
		return qerr
	}
	return err
}

func (r *Room) handleJoin(u proto.User) *Session {
	now := r.nowMillis()
	s := newSession(u.ID, r.opts.SessionBuffer)
	r.sessions[s] = struct{}{}
	r.liveSessions[u.ID]++
	metrics.Sessions.Inc()

	self := r.upsertUser(normalizeUser(u))
	r.touch(u.ID, now)
	r.dirty = true

	joined := r.presenceOf(u.ID)
	r.broadcast(&Event{Kind: EventPresenceJoin, Room: r.name, Presence: &joined}, s)

	s.deliver(&Event{Kind: EventInit, Room: r.name, Init: r.initData(self)})
	s.deliver(&Event{Kind: EventPresenceSync, Room: r.name, Roster: r.roster()})

	r.log.Info().
		Str("user_id", u.ID).
		Str("session_id", s.ID).
		Int("sessions", r.liveSessions[u.ID]).
		Msg("session joined")
	return s
}

func (r *Room) handleLeave(s *Session) {
	if _, ok := r.sessions[s]; !ok {
		return
	}
	delete(r.sessions, s)
	close(s.events)
	metrics.Sessions.Dec()

	r.liveSessions[s.UserID]--
	if r.liveSessions[s.UserID] > 0 {
		r.log.Debug().Str("user_id", s.UserID).Str("session_id", s.ID).Msg("session closed, user still connected")
		return
	}
	delete(r.liveSessions, s.UserID)

	if u := r.users[s.UserID]; u != nil {
		u.Status = proto.StatusOffline
	}
	if st := r.presence[s.UserID]; st != nil {
		st.lastSeen = r.nowMillis()
		st.data = nil
	}
	r.dirty = true

	r.broadcast(&Event{Kind: EventPresenceLeave, Room: r.name, UserID: s.UserID}, nil)
	r.log.Info().Str("user_id", s.UserID).Str("session_id", s.ID).Msg("user left")
}

func (r *Room) handleCommand(s *Session, cmd Command) {
	if _, ok := r.sessions[s]; !ok {
		return
	}

	switch cmd.Kind {
	case CommandSendMessage:
		r.appendMessage(s, cmd)
	case CommandTyping:
		r.typing(s, cmd.IsTyping)
	case CommandReaction:
		r.react(s, cmd)
	case CommandEdit:
		r.edit(s, cmd)
	case CommandPresenceJoin:
		r.updateProfile(s, cmd.Profile)
	case CommandPresenceUpdate:
		r.updatePresence(s, cmd.Presence)
	case CommandHeartbeat:
		r.touch(s.UserID, r.nowMillis())
		p := r.presenceOf(s.UserID)
		r.broadcast(&Event{Kind: EventPresenceUpdate, Room: r.name, Presence: &p}, s)
	default:
		r.sendError(s, coreError(ErrCodeBadRequest, "unknown command"))
	}
}

func (r *Room) appendMessage(s *Session, cmd Command) {
	if strings.TrimSpace(cmd.Content) == "" && len(cmd.Attachments) == 0 {
		r.sendError(s, coreError(ErrCodeInvalidMessage, "message content is required"))
		return
	}

	now := r.nowMillis()
	r.seq++
	msg := proto.ChatMessage{
		ID:          utils.NewOrderedID(),
		Seq:         r.seq,
		UserID:      s.UserID,
		UserName:    r.displayName(s.UserID),
		Content:     cmd.Content,
		Timestamp:   now,
		Type:        proto.MessageTypeMessage,
		Metadata:    maps.Clone(cmd.Metadata),
		Attachments: append([]proto.Attachment(nil), cmd.Attachments...),
		ReplyTo:     cmd.ReplyTo,
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}

	r.history = append(r.history, msg)
	if over := len(r.history) - r.opts.HistoryLimit; over > 0 {
		// append reallocates once capacity runs out, so the dropped prefix is bounded.
		r.history = r.history[over:]
	}
	r.lastActivity = now
	r.touch(s.UserID, now)
	r.dirty = true
	r.sinceSnapshot++
	metrics.MessagesTotal.Inc()

	// The sender receives its own message back as the ordering confirmation.
	out := msg.Clone()
	r.broadcast(&Event{Kind: EventMessage, Room: r.name, Message: &out}, nil)

	if r.sinceSnapshot >= r.opts.SnapshotEvery {
		_ = r.persist()
	}
}

func (r *Room) typing(s *Session, isTyping bool) {
	ev := &Event{
		Kind: EventTyping,
		Room: r.name,
		Typing: &proto.TypingIndicator{
			UserID:    s.UserID,
			UserName:  r.displayName(s.UserID),
			IsTyping:  isTyping,
			Timestamp: r.nowMillis(),
		},
	}
	r.broadcast(ev, s)
}

func (r *Room) react(s *Session, cmd Command) {
	if cmd.MessageID == "" || cmd.Emoji == "" {
		r.sendError(s, coreError(ErrCodeBadRequest, "messageId and emoji are required"))
		return
	}
	msg := r.findMessage(cmd.MessageID)
	if msg == nil {
		r.sendError(s, coreError(ErrCodeMessageNotFound, "message not found"))
		return
	}

	if proto.ApplyReaction(msg, cmd.Emoji, s.UserID, cmd.Add) {
		r.lastActivity = r.nowMillis()
		r.dirty = true
	}

	r.broadcast(&Event{
		Kind: EventReaction,
		Room: r.name,
		Reaction: &proto.ReactionData{
			MessageID: cmd.MessageID,
			Emoji:     cmd.Emoji,
			UserID:    s.UserID,
			Add:       cmd.Add,
		},
	}, nil)
}

func (r *Room) edit(s *Session, cmd Command) {
	if strings.TrimSpace(cmd.Content) == "" {
		r.sendError(s, coreError(ErrCodeInvalidMessage, "message content is required"))
		return
	}
	msg := r.findMessage(cmd.MessageID)
	if msg == nil {
		r.sendError(s, coreError(ErrCodeMessageNotFound, "message not found"))
		return
	}
	if msg.UserID != s.UserID {
		r.sendError(s, coreError(ErrCodeForbidden, "only the author can edit a message"))
		return
	}

	now := r.nowMillis()
	msg.Content = cmd.Content
	msg.Edited = true
	msg.EditedAt = now
	r.lastActivity = now
	r.dirty = true

	r.broadcast(&Event{
		Kind: EventEdit,
		Room: r.name,
		Edit: &proto.EditData{MessageID: msg.ID, Content: msg.Content, EditedAt: now},
	}, nil)
}

func (r *Room) updateProfile(s *Session, profile *proto.User) {
	if profile != nil {
		u := r.users[s.UserID]
		if profile.Name != "" {
			u.Name = profile.Name
		}
		if profile.Avatar != "" {
			u.Avatar = profile.Avatar
		}
		if profile.Color != "" {
			u.Color = profile.Color
		}
		if profile.Metadata != nil {
			u.Metadata = maps.Clone(profile.Metadata)
		}
		r.dirty = true
	}
	r.touch(s.UserID, r.nowMillis())

	p := r.presenceOf(s.UserID)
	r.broadcast(&Event{Kind: EventPresenceUpdate, Room: r.name, Presence: &p}, s)
	s.deliver(&Event{Kind: EventPresenceSync, Room: r.name, Roster: r.roster()})
}

func (r *Room) updatePresence(s *Session, data map[string]any) {
	st := r.touch(s.UserID, r.nowMillis())
	for k, v := range data {
		if k == "status" {
			// offline is derived from sessions and cannot be claimed.
			if status, ok := v.(string); ok && (status == string(proto.StatusOnline) || status == string(proto.StatusAway)) {
				r.users[s.UserID].Status = proto.Status(status)
				r.dirty = true
			}
			continue
		}
		if st.data == nil {
			st.data = make(map[string]any)
		}
		st.data[k] = v
	}

	p := r.presenceOf(s.UserID)
	r.broadcast(&Event{Kind: EventPresenceUpdate, Room: r.name, Presence: &p}, s)
}

// broadcast delivers ev to every session except exclude. A session that cannot
// take the event is logged and skipped; delivery to the rest continues.
func (r *Room) broadcast(ev *Event, exclude *Session) int {
	delivered := 0
	for s := range r.sessions {
		if s == exclude {
			continue
		}
		if !s.deliver(ev) {
			metrics.BroadcastDropped.Inc()
			r.log.Warn().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session buffer full, event dropped")
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Room) sendError(s *Session, err *CoreError) {
	if !s.deliver(&Event{Kind: EventError, Room: r.name, Error: err}) {
		metrics.BroadcastDropped.Inc()
	}
}

// persist writes the durable subset. A failed write keeps the room dirty so the
// next trigger retries it.
// persist saves a snapshot. A failed save leaves the counter and dirty flag
// untouched so the next appended message retries.
func (r *Room) persist() error {
	if r.store == nil {
		r.sinceSnapshot = 0
		r.dirty = false
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
	defer cancel()

	if err := r.store.SaveSnapshot(ctx, r.snapshot()); err != nil {
		metrics.Snapshots.WithLabelValues("error").Inc()
		r.log.Error().Err(err).Msg("snapshot save failed")
		return err
	}
	metrics.Snapshots.WithLabelValues("ok").Inc()
	r.sinceSnapshot = 0
	r.dirty = false
	r.log.Debug().Int("messages", len(r.history)).Msg("snapshot saved")
	return nil
}

func (r *Room) snapshot() *store.RoomSnapshot {
	return &store.RoomSnapshot{
		ID:             r.id,
		Name:           r.name,
		Type:           r.kind,
		Users:          r.userList(),
		MessageHistory: r.history,
		CreatedAt:      r.createdAt,
		LastActivity:   r.lastActivity,
	}
}

func (r *Room) shutdown() {
	for s := range r.sessions {
		delete(r.sessions, s)
		close(s.events)
		metrics.Sessions.Dec()
	}
	for id := range r.liveSessions {
		if u := r.users[id]; u != nil {
			u.Status = proto.StatusOffline
		}
		delete(r.liveSessions, id)
	}
	if r.dirty {
		_ = r.persist()
	}
	r.log.Info().Msg("room stopped")
}

func (r *Room) upsertUser(u proto.User) proto.User {
	existing, ok := r.users[u.ID]
	if !ok {
		r.users[u.ID] = &u
		r.userOrder = append(r.userOrder, u.ID)
		return u.Clone()
	}

	// Another tab joining keeps a chosen away status.
	if existing.Status == proto.StatusOffline || r.liveSessions[u.ID] <= 1 {
		existing.Status = proto.StatusOnline
	}
	if u.Name != "" {
		existing.Name = u.Name
	}
	if u.Avatar != "" {
		existing.Avatar = u.Avatar
	}
	if u.Color != "" {
		existing.Color = u.Color
	}
	if u.Metadata != nil {
		existing.Metadata = u.Metadata
	}
	return existing.Clone()
}

func (r *Room) touch(userID string, now int64) *presenceState {
	st := r.presence[userID]
	if st == nil {
		st = &presenceState{}
		r.presence[userID] = st
	}
	st.lastSeen = now
	return st
}

func (r *Room) presenceOf(userID string) proto.Presence {
	p := proto.Presence{UserID: userID, Status: proto.StatusOffline}
	if u := r.users[userID]; u != nil {
		cp := u.Clone()
		p.User = &cp
		p.Status = u.Status
	}
	if st := r.presence[userID]; st != nil {
		p.LastSeen = st.lastSeen
		p.Data = maps.Clone(st.data)
	}
	return p
}

// roster lists users that currently hold at least one session.
func (r *Room) roster() []proto.Presence {
	out := make([]proto.Presence, 0, len(r.liveSessions))
	for _, id := range r.userOrder {
		if r.liveSessions[id] > 0 {
			out = append(out, r.presenceOf(id))
		}
	}
	return out
}

func (r *Room) userList() []proto.User {
	out := make([]proto.User, 0, len(r.userOrder))
	for _, id := range r.userOrder {
		out = append(out, r.users[id].Clone())
	}
	return out
}

func (r *Room) initData(self proto.User) *proto.InitData {
	recent := r.history
	if over := len(recent) - r.opts.InitHistory; over > 0 {
		recent = recent[over:]
	}
	return &proto.InitData{
		Room:     r.info(),
		Self:     self,
		Users:    r.userList(),
		Presence: r.roster(),
		Messages: proto.CloneMessages(recent),
		Protocol: proto.ProtocolVersion,
	}
}

func (r *Room) info() proto.RoomInfo {
	return proto.RoomInfo{
		ID:           r.id,
		Name:         r.name,
		Type:         r.kind,
		Shard:        r.shard,
		CreatedAt:    r.createdAt,
		LastActivity: r.lastActivity,
	}
}

func (r *Room) findMessage(id string) *proto.ChatMessage {
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].ID == id {
			return &r.history[i]
		}
	}
	return nil
}

func (r *Room) displayName(userID string) string {
	if u := r.users[userID]; u != nil && u.Name != "" {
		return u.Name
	}
	return userID
}

func (r *Room) nowMillis() int64 {
	return r.opts.Now().UnixMilli()
}
