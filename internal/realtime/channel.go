package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
)

// Channel binds one live connection to a (player, room) seat. Messages yields
// the room's stream starting with a full-state message; it is closed when the
// channel stops, after which Reason tells why.
type Channel struct {
	id     string
	player lobby.PlayerID
	room   lobby.RoomID

	hub  *Hub
	sync *synchronizer

	out chan Message

	mu     sync.Mutex
	closed bool
	reason CloseReason

	closeOnce sync.Once
}

func newChannel(h *Hub, s *synchronizer, id string, player lobby.PlayerID, room lobby.RoomID) *Channel {
	return &Channel{
		id:     id,
		player: player,
		room:   room,
		hub:    h,
		sync:   s,
		out:    make(chan Message, h.bufferSize),
	}
}

func (ch *Channel) ID() string             { return ch.id }
func (ch *Channel) Player() lobby.PlayerID { return ch.player }
func (ch *Channel) Room() lobby.RoomID     { return ch.room }

func (ch *Channel) Messages() <-chan Message {
	return ch.out
}

// Reason is empty while the channel is live.
func (ch *Channel) Reason() CloseReason {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// Submit hands an action to the room's synchronizer and waits for its
// verdict. An accepted action returns the sequence it was assigned.
func (ch *Channel) Submit(ctx context.Context, kind game.Kind, payload json.RawMessage) (uint64, error) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return 0, rejected(ErrChannelClosed)
	}

	if ch.hub.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.hub.submitTimeout)
		defer cancel()
	}
	return ch.sync.submit(ctx, ch.player, kind, payload)
}

// deliver queues msg without blocking. A subscriber whose buffer is full is
// terminated rather than skipped, so no live channel ever sees a gap.
func (ch *Channel) deliver(msg Message) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return false
	}
	select {
	case ch.out <- msg:
		return true
	default:
		ch.closeLocked(ReasonLagging)
		return false
	}
}

func (ch *Channel) terminate(reason CloseReason) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closeLocked(reason)
}

func (ch *Channel) closeLocked(reason CloseReason) {
	if ch.closed {
		return
	}
	ch.closed = true
	ch.reason = reason
	close(ch.out)
}

// Close detaches the channel after its transport went away. The seat is kept
// for the grace period; reconnecting within it restores the player.
func (ch *Channel) Close() {
	ch.terminate(ReasonClosed)
	ch.closeOnce.Do(func() {
		ch.sync.unsubscribe(ch)
		err := ch.hub.registry.MarkDisconnected(ch.room, ch.player, ch.id)
		if err != nil && !errors.Is(err, lobby.ErrNotFound) {
			ch.hub.logger.Warnw("mark disconnected", "room", ch.room, "player", ch.player, "error", err)
		}
		ch.hub.forget(ch)
	})
}
