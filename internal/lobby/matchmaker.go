package lobby

import (
	"context"
	"errors"
)

const DefaultMaxFindAttempts = 5

// Matchmaker turns player intents into registry admissions. It keeps no state
// of its own; every seat it hands out comes from Registry.AdmitPlayer.
type Matchmaker struct {
	registry    *Registry
	maxAttempts int
}

type MatchmakerOption func(*Matchmaker)

// WithMaxFindAttempts bounds how many admissions FindRandom tries before
// giving up with ErrNoAvailableRoom.
func WithMaxFindAttempts(n int) MatchmakerOption {
	return func(m *Matchmaker) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func NewMatchmaker(registry *Registry, opts ...MatchmakerOption) *Matchmaker {
	m := &Matchmaker{
		registry:    registry,
		maxAttempts: DefaultMaxFindAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Matchmaker) Registry() *Registry {
	return m.registry
}

// Create opens a new room and seats the creator in it. Either both happen or
// neither does.
func (m *Matchmaker) Create(ctx context.Context, creator PlayerID, name string, maxPlayers int, gameType GameType) (RoomID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.registry.CreateRoomFor(creator, name, maxPlayers, gameType)
}

// lostRace reports admission failures caused by another player winning the
// seat (or the room going away) between listing and admitting.
func lostRace(err error) bool {
	return errors.Is(err, ErrRoomFull) ||
		errors.Is(err, ErrRoomClosed) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyMember)
}

// FindRandom seats the player in an open room, preferring the oldest one.
// Rooms lost to a concurrent admission are skipped and the listing is taken
// again, up to the configured number of attempts.
func (m *Matchmaker) FindRandom(ctx context.Context, player PlayerID) (RoomID, error) {
	if err := ValidatePlayerID(player); err != nil {
		return 0, err
	}

	tried := make(map[RoomID]struct{})
	attempts := 0

	for attempts < m.maxAttempts {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		candidates := m.candidates(player, tried)
		if len(candidates) == 0 {
			break
		}

		for _, id := range candidates {
			if attempts >= m.maxAttempts {
				break
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			attempts++
			tried[id] = struct{}{}

			err := m.registry.AdmitPlayer(id, player)
			if err == nil {
				if err := ctx.Err(); err != nil {
					_ = m.registry.RemovePlayer(id, player)
					return 0, err
				}
				return id, nil
			}
			if !lostRace(err) {
				return 0, err
			}
		}
	}

	return 0, ErrNoAvailableRoom
}

func (m *Matchmaker) candidates(player PlayerID, tried map[RoomID]struct{}) []RoomID {
	var ids []RoomID
	for summary := range m.registry.ListOpenRooms() {
		if summary.Status != StatusOpen || summary.Players >= summary.MaxPlayers {
			continue
		}
		if _, ok := tried[summary.ID]; ok {
			continue
		}
		if m.registry.IsMember(summary.ID, player) {
			continue
		}
		ids = append(ids, summary.ID)
	}
	return ids
}

// Join seats the player in a specific room. Joining a room the player is
// already in succeeds without changing anything.
func (m *Matchmaker) Join(ctx context.Context, player PlayerID, id RoomID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := m.registry.AdmitPlayer(id, player)
	if errors.Is(err, ErrAlreadyMember) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = m.registry.RemovePlayer(id, player)
		return err
	}
	return nil
}

// Leave gives up the player's seat.
func (m *Matchmaker) Leave(player PlayerID, id RoomID) error {
	return m.registry.RemovePlayer(id, player)
}
