// Package client keeps a client's live connection to one room, tracks the
// presence roster and message list the room reports, and reconnects with
// exponential backoff after unexpected drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/roomsync/internal/proto"
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrMissingIdentity = errors.New("user id is required")
	ErrMissingRoom     = errors.New("room id is required")
)

// Options configures a Manager. Zero values fall back to the defaults below.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8080 or ws://host:port.
	BaseURL string
	// Token is sent as the token query parameter when set.
	Token string

	HeartbeatInterval time.Duration // 30s
	CleanupInterval   time.Duration // 60s
	PresenceTimeout   time.Duration // 120s

	// MaxReconnectAttempts defaults to 5; a negative value disables reconnects.
	MaxReconnectAttempts int
	BaseDelay            time.Duration // 1s
	MaxDelay             time.Duration // 30s

	// HistoryLimit caps the local message list like the server caps history (1000).
	HistoryLimit int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64

	Logger *zerolog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 120 * time.Second
	}
	switch {
	case o.MaxReconnectAttempts == 0:
		o.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	case o.MaxReconnectAttempts < 0:
		o.MaxReconnectAttempts = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = DefaultHistoryLimit
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type localPresence struct {
	presence proto.Presence
	seen     time.Time // local receipt time; immune to server clock skew
}

type subscriber struct {
	id uint64
	h  Handler
}

// Manager maintains one connection at a time. Local presence and messages are
// only ever derived from server events.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu             sync.Mutex
	roomID         string
	user           proto.User
	self           proto.User
	conn           *websocket.Conn
	stopConn       context.CancelFunc
	gen            uint64 // bumped by Connect and Disconnect; stale callbacks compare it
	attempts       int
	reconnectTimer *time.Timer
	presence       map[string]*localPresence
	messages       []proto.ChatMessage

	subMu   sync.RWMutex
	subs    map[EventType][]subscriber
	nextSub uint64
}

// New creates a disconnected manager.
func New(opts Options) *Manager {
	opts = opts.withDefaults()
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	return &Manager{
		opts:     opts,
		log:      log,
		presence: make(map[string]*localPresence),
		subs:     make(map[EventType][]subscriber),
	}
}

// Subscribe registers h for events of type t and returns a function that
// removes it.
func (m *Manager) Subscribe(t EventType, h Handler) func() {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[t] = append(m.subs[t], subscriber{id: id, h: h})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			m.subs[t] = slices.DeleteFunc(m.subs[t], func(s subscriber) bool { return s.id == id })
		})
	}
}

func (m *Manager) emit(events ...Event) {
	for _, ev := range events {
		m.subMu.RLock()
		subs := slices.Clone(m.subs[ev.Type])
		m.subMu.RUnlock()
		for _, s := range subs {
			s.h(ev)
		}
	}
}

// Connect opens a connection to roomID as user, disconnecting first if needed.
// It sends presence:join once open and starts the heartbeat and cleanup timers.
func (m *Manager) Connect(ctx context.Context, roomID string, user proto.User) error {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return ErrMissingIdentity
	}
	if strings.TrimSpace(roomID) == "" {
		return ErrMissingRoom
	}

	m.mu.Lock()
	active := m.conn != nil || m.reconnectTimer != nil
	m.mu.Unlock()
	if active {
		m.Disconnect()
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.roomID, m.user = roomID, user
	m.attempts = 0
	m.mu.Unlock()

	conn, err := m.dial(ctx, roomID, user)
	if err != nil {
		m.emit(Event{Type: EventError, Err: err})
		return err
	}
	return m.start(gen, conn)
}

// Disconnect stops the timers, cancels a pending reconnect, closes the
// connection and clears local presence.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	conn, stop := m.conn, m.stopConn
	m.conn, m.stopConn = nil, nil
	m.attempts = 0
	clear(m.presence)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if stop != nil {
		stop()
	}
	m.log.Info().Msg("disconnected")
	m.emit(Event{Type: EventClose})
}

// Connected reports whether a connection is currently open.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Self is the identity the server confirmed in init.
func (m *Manager) Self() proto.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.Clone()
}

// Presence returns the local roster ordered by user id.
func (m *Manager) Presence() []proto.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]proto.Presence, 0, len(m.presence))
	for _, lp := range m.presence {
		out = append(out, lp.presence.Clone())
	}
	slices.SortFunc(out, func(a, b proto.Presence) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Messages returns the local message list in server order.
func (m *Manager) Messages() []proto.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return proto.CloneMessages(m.messages)
}

// OutgoingMessage is a chat message to send.
type OutgoingMessage struct {
	Content     string
	Metadata    map[string]any
	Attachments []proto.Attachment
	ReplyTo     string
}

// SendMessage sends a chat message. The message shows up locally once the
// server echoes it back.
func (m *Manager) SendMessage(ctx context.Context, msg OutgoingMessage) error {
	return m.send(ctx, proto.Inbound{
		Type:        proto.TypeMessage,
		Content:     msg.Content,
		Metadata:    msg.Metadata,
		Attachments: msg.Attachments,
		ReplyTo:     msg.ReplyTo,
	})
}

func (m *Manager) SendTyping(ctx context.Context, isTyping bool) error {
	return m.send(ctx, proto.Inbound{Type: proto.TypeTyping, IsTyping: isTyping})
}

func (m *Manager) SendReaction(ctx context.Context, messageID, emoji string, add bool) error {
	return m.send(ctx, proto.Inbound{Type: proto.TypeReaction, MessageID: messageID, Emoji: emoji, Add: add})
}

func (m *Manager) EditMessage(ctx context.Context, messageID, content string) error {
	return m.send(ctx, proto.Inbound{Type: proto.TypeEdit, MessageID: messageID, Content: content})
}

// UpdatePresence sends a presence delta such as a cursor position. Local state
// changes only when the server reports it back.
func (m *Manager) UpdatePresence(ctx context.Context, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}
	return m.send(ctx, proto.Inbound{Type: proto.TypePresenceUpdate, Data: data})
}

func (m *Manager) send(ctx context.Context, in proto.Inbound) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return m.write(ctx, conn, in)
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, in proto.Inbound) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, in)
}

func (m *Manager) dial(ctx context.Context, roomID string, user proto.User) (*websocket.Conn, error) {
	target, err := roomURL(m.opts.BaseURL, roomID, user, m.opts.Token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial room %s: status %d: %w", roomID, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial room %s: %w", roomID, err)
	}
	conn.SetReadLimit(m.opts.ReadLimit)
	return conn, nil
}

func roomURL(base, roomID string, user proto.User, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u = u.JoinPath("rooms", roomID, "ws")

	q := url.Values{}
	q.Set("userId", user.ID)
	if user.Name != "" {
		q.Set("userName", user.Name)
	}
	if user.Avatar != "" {
		q.Set("avatar", user.Avatar)
	}
	if user.Color != "" {
		q.Set("color", user.Color)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// start adopts conn for generation gen. A connection opened for a superseded
// generation is closed straight away.
func (m *Manager) start(gen uint64, conn *websocket.Conn) error {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return ErrNotConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.conn, m.stopConn = conn, cancel
	m.attempts = 0
	user, roomID := m.user, m.roomID
	m.mu.Unlock()

	m.log.Info().Str("room", roomID).Str("user_id", user.ID).Msg("connected")
	m.emit(Event{Type: EventOpen})

	data, err := json.Marshal(proto.PresenceJoinData{User: user, RoomID: roomID})
	if err == nil {
		err = m.write(ctx, conn, proto.Inbound{Type: proto.TypePresenceJoin, Data: data})
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("send presence join")
	}

	go m.readLoop(ctx, gen, conn)
	go m.heartbeatLoop(ctx, conn)
	go m.cleanupLoop(ctx)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.dropped(gen, err)
			return
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.log.Warn().Err(err).Msg("malformed frame from server")
			m.emit(Event{Type: EventError, Err: fmt.Errorf("decode frame: %w", err)})
			continue
		}
		m.emit(m.apply(frame)...)
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// A failed heartbeat is not a disconnect; the reader sees the close.
			if err := m.write(ctx, conn, proto.Inbound{Type: proto.TypeHeartbeat}); err != nil {
				m.log.Debug().Err(err).Msg("heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed := m.cleanupStale(m.opts.Now())
			events := make([]Event, 0, len(removed))
			for _, id := range removed {
				events = append(events, Event{Type: EventPresenceLeave, UserID: id, Stale: true})
			}
			m.emit(events...)
		case <-ctx.Done():
			return
		}
	}
}

// cleanupStale drops roster entries not refreshed within PresenceTimeout.
// It backs up missed leave events; the server stays authoritative.
func (m *Manager) cleanupStale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, lp := range m.presence {
		if id == m.self.ID || id == m.user.ID {
			continue
		}
		if now.Sub(lp.seen) > m.opts.PresenceTimeout {
			delete(m.presence, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		slices.Sort(removed)
		m.log.Debug().Strs("users", removed).Msg("removed stale presence")
	}
	return removed
}

// dropped handles a connection that ended without Disconnect.
func (m *Manager) dropped(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.stopConn()
	m.conn, m.stopConn = nil, nil
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection lost")
	var events []Event
	if websocket.CloseStatus(err) == -1 {
		events = append(events, Event{Type: EventError, Err: err})
	}
	events = append(events, Event{Type: EventClose, Err: err})
	m.emit(events...)

	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		attempts := m.attempts
		m.mu.Unlock()
		m.log.Warn().Int("attempts", attempts).Msg("giving up on reconnect")
		m.emit(Event{Type: EventReconnectFailed, Attempt: attempts})
		return
	}
	delay := backoff(m.attempts, m.opts.BaseDelay, m.opts.MaxDelay)
	m.attempts++
	attempt := m.attempts
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	m.mu.Unlock()

	m.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect scheduled")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	roomID, user := m.roomID, m.user
	m.mu.Unlock()

	conn, err := m.dial(context.Background(), roomID, user)
	if err != nil {
		m.log.Warn().Err(err).Msg("reconnect failed")
		m.emit(Event{Type: EventError, Err: err})
		m.scheduleReconnect(gen)
		return
	}
	_ = m.start(gen, conn)
}
