package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/roomsync/internal/metrics"
	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/store"
)

var (
	ErrHubClosed   = errors.New("hub closed")
	ErrInvalidRoom = errors.New("room name is required")
)

// Options configures the hub.
type Options struct {
	Shards      int
	IdleTimeout time.Duration
	Room        RoomOptions
}

// Hub routes room names to actors. Each room address is owned by exactly one
// shard, picked by rendezvous hashing, and each shard keeps at most one live
// actor per room.
type Hub struct {
	store  store.SnapshotStore
	opts   Options
	log    zerolog.Logger
	ring   *rendezvous.Rendezvous
	shards map[string]*shard
	names  []string
}

type shard struct {
	name   string
	mu     sync.Mutex
	rooms  map[string]*slot
	closed bool
}

// slot is a shard's entry for one room. Store I/O for the room runs outside the
// shard lock; other callers wait on ready or stopped instead.
type slot struct {
	room      *Room
	refs      int
	idleSince time.Time
	loaded    bool
	ready     chan struct{} // closed once the snapshot load finished
	loadErr   error         // set before ready is closed
	stopped   chan struct{} // non-nil once eviction started, closed after the final snapshot
}

// NewHub creates a hub. st may be nil, in which case rooms are not persisted.
func NewHub(st store.SnapshotStore, opts Options, logger *zerolog.Logger) *Hub {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	opts.Room = opts.Room.withDefaults()

	log := zerolog.Nop()
	if logger != nil {
		log = *logger
	}

	h := &Hub{
		store:  st,
		opts:   opts,
		log:    log,
		shards: make(map[string]*shard, opts.Shards),
	}
	for i := range opts.Shards {
		name := fmt.Sprintf("shard-%d", i)
		h.names = append(h.names, name)
		h.shards[name] = &shard{name: name, rooms: make(map[string]*slot)}
	}
	h.ring = rendezvous.New(h.names, xxhash.Sum64String)
	return h
}

// Owner names the shard that owns the room called name.
func (h *Hub) Owner(name string) string {
	return h.ring.Lookup(proto.RoomAddress(name))
}

// Acquire returns the live actor for the room, creating it from its last
// snapshot if needed. The caller must invoke release when done with the room;
// an actor is only suspended once every reference is released. A room that is
// being suspended is handed out again only after its final snapshot is written.
func (h *Hub) Acquire(ctx context.Context, name string, kind proto.RoomType) (*Room, func(), error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, ErrInvalidRoom
	}
	id := proto.RoomAddress(name)
	sh := h.shards[h.ring.Lookup(id)]

	for {
		sh.mu.Lock()
		if sh.closed {
			sh.mu.Unlock()
			return nil, nil, ErrHubClosed
		}

		sl := sh.rooms[id]
		switch {
		case sl == nil:
			if kind == "" {
				kind = proto.RoomTypeGroup
			}
			sl = &slot{
				room:  newRoom(id, name, kind, sh.name, h.store, h.opts.Room, h.log),
				refs:  1,
				ready: make(chan struct{}),
			}
			sh.rooms[id] = sl
			sh.mu.Unlock()
			return h.load(ctx, sh, id, sl)

		case sl.stopped != nil:
			stopped := sl.stopped
			sh.mu.Unlock()
			select {
			case <-stopped:
				continue
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}

		default:
			sl.refs++
			sh.mu.Unlock()
			select {
			case <-sl.ready:
			case <-ctx.Done():
				sh.release(sl)
				return nil, nil, ctx.Err()
			}
			if sl.loadErr != nil {
				return nil, nil, sl.loadErr
			}
			return sl.room, sh.releaser(sl), nil
		}
	}
}

// load restores sl's snapshot without holding the shard lock. Concurrent
// acquirers share the result, so the load is not tied to ctx cancellation.
func (h *Hub) load(ctx context.Context, sh *shard, id string, sl *slot) (*Room, func(), error) {
	err := sl.room.restore(context.WithoutCancel(ctx))

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err == nil && sh.closed {
		err = ErrHubClosed
	}
	if err != nil {
		delete(sh.rooms, id)
		sl.loadErr = err
		close(sl.ready)
		return nil, nil, err
	}

	go sl.room.run()
	sl.loaded = true
	close(sl.ready)
	metrics.RoomsActive.Inc()
	h.log.Debug().Str("room", sl.room.Name()).Str("shard", sh.name).Msg("room actor started")
	return sl.room, sh.releaser(sl), nil
}

// Suspend evicts an unreferenced room: its state is snapshotted and the actor
// exits. The next Acquire resumes it from that snapshot.
func (h *Hub) Suspend(name string) error {
	id := proto.RoomAddress(name)
	sh := h.shards[h.ring.Lookup(id)]

	sh.mu.Lock()
	sl := sh.rooms[id]
	if sl == nil || sl.stopped != nil {
		sh.mu.Unlock()
		return ErrRoomNotResident
	}
	if sl.refs > 0 || !sl.loaded {
		sh.mu.Unlock()
		return ErrRoomBusy
	}
	sl.stopped = make(chan struct{})
	sh.mu.Unlock()

	sh.finishEvict(id, sl)
	return nil
}

// EvictIdle suspends every room that has had no references for at least
// IdleTimeout as of now, and returns how many were suspended.
func (h *Hub) EvictIdle(now time.Time) int {
	if h.opts.IdleTimeout <= 0 {
		return 0
	}
	evicted := 0
	for _, name := range h.names {
		evicted += h.shards[name].evictIdle(now, h.opts.IdleTimeout)
	}
	if evicted > 0 {
		h.log.Info().Int("rooms", evicted).Msg("suspended idle rooms")
	}
	return evicted
}

// Stats reports resident rooms per shard.
func (h *Hub) Stats() map[string]int {
	out := make(map[string]int, len(h.names))
	for _, name := range h.names {
		sh := h.shards[name]
		out[name] = 0
		sh.mu.Lock()
		for _, sl := range sh.rooms {
			if sl.loaded && sl.stopped == nil {
				out[name]++
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Run suspends idle rooms periodically until ctx is cancelled, then stops every
// actor, letting each write its final snapshot.
func (h *Hub) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if h.opts.IdleTimeout > 0 {
		ticker := time.NewTicker(max(h.opts.IdleTimeout/2, time.Second))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case now := <-tick:
			h.EvictIdle(now)
		case <-ctx.Done():
			return h.shutdown()
		}
	}
}

func (h *Hub) shutdown() error {
	var g errgroup.Group
	for _, name := range h.names {
		sh := h.shards[name]
		g.Go(func() error {
			sh.stopAll()
			return nil
		})
	}
	err := g.Wait()
	h.log.Info().Msg("hub stopped")
	return err
}

func (s *shard) evictIdle(now time.Time, timeout time.Duration) int {
	s.mu.Lock()
	victims := make(map[string]*slot)
	for id, sl := range s.rooms {
		if sl.loaded && sl.stopped == nil && sl.refs == 0 && now.Sub(sl.idleSince) >= timeout {
			sl.stopped = make(chan struct{})
			victims[id] = sl
		}
	}
	s.mu.Unlock()

	for id, sl := range victims {
		s.finishEvict(id, sl)
	}
	return len(victims)
}

// finishEvict stops a slot already marked stopped. The slot stays in the map
// until the final snapshot is written, so a concurrent Acquire waits for it
// instead of loading a stale one.
func (s *shard) finishEvict(id string, sl *slot) {
	sl.room.stop()

	s.mu.Lock()
	if s.rooms[id] == sl {
		delete(s.rooms, id)
	}
	s.mu.Unlock()

	close(sl.stopped)
	metrics.RoomsActive.Dec()
}

func (s *shard) stopAll() {
	s.mu.Lock()
	s.closed = true
	victims := make(map[string]*slot)
	var pending []chan struct{}
	for id, sl := range s.rooms {
		switch {
		case !sl.loaded:
			// load sees closed and gives up
		case sl.stopped != nil:
			pending = append(pending, sl.stopped)
		default:
			sl.stopped = make(chan struct{})
			victims[id] = sl
		}
	}
	s.mu.Unlock()

	for id, sl := range victims {
		s.finishEvict(id, sl)
	}
	for _, ch := range pending {
		<-ch
	}
}

func (s *shard) releaser(sl *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() { s.release(sl) })
	}
}

func (s *shard) release(sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl.refs--
	if sl.refs == 0 {
		sl.idleSince = time.Now()
	}
}
