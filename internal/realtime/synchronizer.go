package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
)

// notice is a membership change reported by the registry, waiting to be
// sequenced.
type notice struct {
	kind   game.Kind
	player lobby.PlayerID
	evict  bool
}

type submitRequest struct {
	ctx    context.Context
	action game.Action
	reply  chan submitResult
}

type submitResult struct {
	sequence uint64
	err      error
}

type subscribeRequest struct {
	ch    *Channel
	reply chan error
}

type snapshot struct {
	state    game.State
	sequence uint64
}

// synchronizer owns one room's game state. Its run loop is the room's single
// serialization point: every action, membership notice and subscription is
// handled there one at a time, so sequence numbers have no gaps and every
// subscriber sees them in order.
type synchronizer struct {
	room lobby.RoomID
	hub  *Hub

	submits      chan submitRequest
	subscribes   chan subscribeRequest
	unsubscribes chan *Channel
	queries      chan chan snapshot

	pendingMu sync.Mutex
	pending   []notice
	wake      chan struct{}

	ctx  context.Context
	done chan struct{}

	// Owned by run.
	state   game.State
	seq     uint64
	subs    map[string]*Channel
	closed  bool
	evicted bool
}

// effect couples an action kind to the registry transition it implies.
type effect struct {
	// before runs after the action validated and before it is sequenced; an
	// error rejects the action.
	before func(s *synchronizer, a game.Action) error
	// replaced actions are not sequenced themselves; the notices produced by
	// before are sequenced in their place.
	replaced bool
	after    func(s *synchronizer, a game.Action)
}

var effects = map[game.Kind]effect{
	game.KindStart: {
		before: func(s *synchronizer, _ game.Action) error {
			return s.hub.registry.StartRoom(s.room)
		},
	},
	game.KindEnd: {
		after: func(s *synchronizer, _ game.Action) {
			s.closed = true
			if err := s.hub.registry.CloseRoom(s.room); err != nil {
				s.hub.logger.Debugw("close room after end", "room", s.room, "error", err)
			}
		},
	},
	game.KindLeave: {
		before: func(s *synchronizer, a game.Action) error {
			return s.hub.registry.RemovePlayer(s.room, a.Player)
		},
		replaced: true,
	},
	game.KindReady: {
		after: func(s *synchronizer, _ game.Action) {
			s.autoStart()
		},
	},
}

func newSynchronizer(ctx context.Context, h *Hub, info lobby.RoomInfo) *synchronizer {
	return &synchronizer{
		room:         info.ID,
		hub:          h,
		submits:      make(chan submitRequest),
		subscribes:   make(chan subscribeRequest),
		unsubscribes: make(chan *Channel),
		queries:      make(chan chan snapshot),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		done:         make(chan struct{}),
		state:        game.NewState(info.ID, info.GameType),
		subs:         make(map[string]*Channel),
	}
}

// notify queues a registry notice. It never blocks, since the registry calls
// it with the room locked.
func (s *synchronizer) notify(n notice) {
	s.pendingMu.Lock()
	s.pending = append(s.pending, n)
	s.pendingMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *synchronizer) run() {
	defer s.stop()

	for !s.evicted {
		select {
		case <-s.ctx.Done():
			return

		case <-s.wake:
			s.drain()

		case req := <-s.subscribes:
			s.drain()
			req.reply <- s.subscribe(req.ch)

		case ch := <-s.unsubscribes:
			delete(s.subs, ch.id)

		case req := <-s.submits:
			s.drain()
			seq, err := s.handle(req)
			req.reply <- submitResult{sequence: seq, err: err}

		case reply := <-s.queries:
			s.drain()
			reply <- snapshot{state: s.state, sequence: s.seq}
		}
	}
}

func (s *synchronizer) stop() {
	reason := ReasonShutdown
	if s.evicted {
		reason = ReasonRoomClosed
	}
	for id, ch := range s.subs {
		ch.terminate(reason)
		delete(s.subs, id)
	}
	close(s.done)
}

// drain sequences the registry notices queued so far.
func (s *synchronizer) drain() {
	s.pendingMu.Lock()
	notices := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	for _, n := range notices {
		if s.evicted {
			return
		}
		if n.evict {
			s.evicted = true
			continue
		}
		if _, err := s.commit(game.Action{Kind: n.kind, Player: n.player, At: s.hub.now()}); err != nil {
			s.hub.logger.Errorw("apply membership notice", "room", s.room, "kind", n.kind, "player", n.player, "error", err)
			continue
		}
		if n.kind == game.KindPlayerLeft {
			s.dropSubscriber(n.player, ReasonLeft)
		}
	}
}

func (s *synchronizer) subscribe(ch *Channel) error {
	if s.evicted {
		return rejected(lobby.ErrNotFound)
	}
	if !s.state.HasPlayer(ch.player) {
		return rejected(lobby.ErrNotMember)
	}
	if !ch.deliver(Message{Sequence: s.seq, Kind: KindState, Payload: s.state}) {
		return rejected(ErrChannelClosed)
	}
	s.subs[ch.id] = ch
	return nil
}

func (s *synchronizer) handle(req submitRequest) (uint64, error) {
	if err := req.ctx.Err(); err != nil {
		return 0, err
	}
	a := req.action
	if s.evicted || s.closed {
		return 0, rejected(lobby.ErrRoomClosed)
	}
	if !game.IsClientKind(a.Kind) {
		return 0, rejected(fmt.Errorf("%w %q", game.ErrUnknownKind, a.Kind))
	}

	next, err := game.Apply(s.state, a)
	if err != nil {
		return 0, rejected(err)
	}

	eff := effects[a.Kind]
	if eff.before != nil {
		if err := eff.before(s, a); err != nil {
			return 0, rejected(err)
		}
	}
	if eff.replaced {
		s.drain()
		return s.seq, nil
	}

	s.install(next, a)
	seq := s.seq
	if eff.after != nil {
		eff.after(s, a)
	}
	return seq, nil
}

// autoStart begins the game once every player in the lobby is ready and the
// room has enough players.
func (s *synchronizer) autoStart() {
	if !s.state.AllReady() {
		return
	}
	if err := s.hub.registry.StartRoom(s.room); err != nil {
		return
	}
	start := game.Action{Kind: game.KindStart, Player: s.state.Host, At: s.hub.now()}
	if _, err := s.commit(start); err != nil {
		s.hub.logger.Errorw("auto start", "room", s.room, "error", err)
	}
}

func (s *synchronizer) commit(a game.Action) (uint64, error) {
	next, err := game.Apply(s.state, a)
	if err != nil {
		return 0, err
	}
	s.install(next, a)
	return s.seq, nil
}

func (s *synchronizer) install(next game.State, a game.Action) {
	s.state = next
	s.seq++

	s.hub.journal.Record(Entry{
		Room:     s.room,
		Sequence: s.seq,
		Kind:     a.Kind,
		Player:   a.Player,
		Payload:  a.Payload,
		At:       a.At,
	})

	s.broadcast(Message{
		Sequence: s.seq,
		Kind:     string(a.Kind),
		Payload:  Event{Player: a.Player, Data: a.Payload, State: next},
	})
}

func (s *synchronizer) broadcast(msg Message) {
	for id, ch := range s.subs {
		if !ch.deliver(msg) {
			delete(s.subs, id)
			s.hub.logger.Infow("dropped subscriber", "room", s.room, "player", ch.player, "reason", ch.Reason())
		}
	}
}

func (s *synchronizer) dropSubscriber(player lobby.PlayerID, reason CloseReason) {
	for id, ch := range s.subs {
		if ch.player == player {
			ch.terminate(reason)
			delete(s.subs, id)
		}
	}
}

// The methods below are called from other goroutines.

func (s *synchronizer) submit(ctx context.Context, player lobby.PlayerID, kind game.Kind, payload json.RawMessage) (uint64, error) {
	req := submitRequest{
		ctx:    ctx,
		action: game.Action{Kind: kind, Player: player, Payload: payload, At: s.hub.now()},
		reply:  make(chan submitResult, 1),
	}

	select {
	case s.submits <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, rejected(lobby.ErrRoomClosed)
	}

	select {
	case res := <-req.reply:
		return res.sequence, res.err
	case <-s.done:
		// The loop may have answered right before it stopped.
		select {
		case res := <-req.reply:
			return res.sequence, res.err
		default:
			return 0, rejected(lobby.ErrRoomClosed)
		}
	}
}

func (s *synchronizer) attach(ctx context.Context, ch *Channel) error {
	req := subscribeRequest{ch: ch, reply: make(chan error, 1)}

	select {
	case s.subscribes <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return rejected(lobby.ErrNotFound)
	}

	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return rejected(lobby.ErrNotFound)
		}
	}
}

func (s *synchronizer) unsubscribe(ch *Channel) {
	select {
	case s.unsubscribes <- ch:
	case <-s.done:
	}
}

func (s *synchronizer) snapshot(ctx context.Context) (snapshot, error) {
	reply := make(chan snapshot, 1)

	select {
	case s.queries <- reply:
	case <-ctx.Done():
		return snapshot{}, ctx.Err()
	case <-s.done:
		return snapshot{}, lobby.ErrNotFound
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return snapshot{}, lobby.ErrNotFound
	}
}
