package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
)

const (
	DefaultSubmitTimeout = 5 * time.Second
	DefaultBufferSize    = 64
)

// Hub runs one synchronizer per room and tracks the live channels. It
// follows the registry as its Listener: rooms get a synchronizer when they
// are created and lose it when they are evicted.
type Hub struct {
	registry *lobby.Registry
	journal  Journal
	logger   *zap.SugaredLogger
	now      func() time.Time

	submitTimeout time.Duration
	bufferSize    int

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	rooms    map[lobby.RoomID]*synchronizer
	channels map[string]*Channel
}

type HubOption func(*Hub)

func WithJournal(j Journal) HubOption {
	return func(h *Hub) {
		if j != nil {
			h.journal = j
		}
	}
}

func WithLogger(lg *zap.SugaredLogger) HubOption {
	return func(h *Hub) {
		if lg != nil {
			h.logger = lg
		}
	}
}

// WithSubmitTimeout bounds how long Submit waits for the room to answer.
// Zero disables the bound.
func WithSubmitTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.submitTimeout = d }
}

// WithBufferSize sets how many undelivered messages a channel may hold before
// it is dropped as lagging.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHubClock stamps actions with now instead of time.Now.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// NewHub attaches a hub to registry. Create it before the first room.
func NewHub(registry *lobby.Registry, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry:      registry,
		journal:       nopJournal{},
		logger:        zap.NewNop().Sugar(),
		now:           time.Now,
		submitTimeout: DefaultSubmitTimeout,
		bufferSize:    DefaultBufferSize,
		ctx:           ctx,
		cancel:        cancel,
		rooms:         make(map[lobby.RoomID]*synchronizer),
		channels:      make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(h)
	}
	registry.SetListener(h)
	return h
}

func (h *Hub) Registry() *lobby.Registry {
	return h.registry
}

func (h *Hub) room(id lobby.RoomID) *synchronizer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

// Open binds connectionID to the player's seat and subscribes it to the room.
// The returned channel's first message is the room's full state. A player who
// is not an admitted member is rejected. An older channel of the same player
// in the same room is closed with ReasonReplaced.
func (h *Hub) Open(ctx context.Context, player lobby.PlayerID, room lobby.RoomID, connectionID string) (*Channel, error) {
	s := h.room(room)
	if s == nil {
		return nil, rejected(lobby.ErrNotFound)
	}

	previous, err := h.registry.BindConnection(room, player, connectionID)
	if err != nil {
		return nil, rejected(err)
	}

	ch := newChannel(h, s, connectionID, player, room)

	h.mu.Lock()
	old := h.channels[previous]
	h.channels[connectionID] = ch
	h.mu.Unlock()

	if old != nil && previous != "" {
		h.logger.Infow("channel replaced", "room", room, "player", player, "old", previous, "new", connectionID)
		old.terminate(ReasonReplaced)
		s.unsubscribe(old)
		h.forget(old)
	}

	if err := s.attach(ctx, ch); err != nil {
		h.forget(ch)
		ch.terminate(ReasonClosed)
		if derr := h.registry.MarkDisconnected(room, player, connectionID); derr != nil {
			h.logger.Debugw("roll back binding", "room", room, "player", player, "error", derr)
		}
		return nil, err
	}
	return ch, nil
}

func (h *Hub) forget(ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[ch.id] == ch {
		delete(h.channels, ch.id)
	}
}

// Channel looks up a live channel by connection id.
func (h *Hub) Channel(connectionID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[connectionID]
	return ch, ok
}

// State returns the room's current game state and the sequence it reflects.
func (h *Hub) State(ctx context.Context, room lobby.RoomID) (game.State, uint64, error) {
	s := h.room(room)
	if s == nil {
		return game.State{}, 0, lobby.ErrNotFound
	}
	snap, err := s.snapshot(ctx)
	if err != nil {
		return game.State{}, 0, err
	}
	return snap.state, snap.sequence, nil
}

// Shutdown stops every synchronizer. Live channels end with ReasonShutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.RLock()
	rooms := make([]*synchronizer, 0, len(h.rooms))
	for _, s := range h.rooms {
		rooms = append(rooms, s)
	}
	h.mu.RUnlock()

	for _, s := range rooms {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Listener implementation. These run with registry locks held.

func (h *Hub) RoomCreated(info lobby.RoomInfo) {
	s := newSynchronizer(h.ctx, h, info)

	h.mu.Lock()
	h.rooms[info.ID] = s
	h.mu.Unlock()

	go s.run()
}

func (h *Hub) MemberJoined(room lobby.RoomID, player lobby.PlayerID) {
	h.notify(room, notice{kind: game.KindPlayerJoined, player: player})
}

func (h *Hub) MemberLeft(room lobby.RoomID, player lobby.PlayerID) {
	h.notify(room, notice{kind: game.KindPlayerLeft, player: player})
}

func (h *Hub) ConnectionChanged(room lobby.RoomID, player lobby.PlayerID, connected bool) {
	kind := game.KindPlayerDisconnected
	if connected {
		kind = game.KindPlayerConnected
	}
	h.notify(room, notice{kind: kind, player: player})
}

func (h *Hub) RoomEvicted(room lobby.RoomID) {
	h.mu.Lock()
	s := h.rooms[room]
	delete(h.rooms, room)
	h.mu.Unlock()

	if s != nil {
		s.notify(notice{evict: true})
	}
}

func (h *Hub) notify(room lobby.RoomID, n notice) {
	if s := h.room(room); s != nil {
		s.notify(n)
	}
}
