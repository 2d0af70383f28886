package server

import (
	"time"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

// ============================================================================
// ERRORS
// ============================================================================
type ErrorMessage struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ============================================================================
// SESSION (POST /api/session)
// ============================================================================
type CreateSessionRequest struct {
	Username string `json:"username"`
}

type CreateSessionResponse struct {
	Token    string         `json:"token"`
	PlayerID lobby.PlayerID `json:"playerId"`
	Username string         `json:"username"`
}

// ============================================================================
// ROOMS
// ============================================================================
// CreateRoomRequest leaves MaxPlayers nil to take the game type's maximum.
type CreateRoomRequest struct {
	Name       string `json:"name"`
	MaxPlayers *int   `json:"maxPlayers,omitempty"`
	GameType   string `json:"gameType"`
}

// RoomResponse answers create, find and join.
type RoomResponse struct {
	RoomID lobby.RoomID `json:"roomId"`
}

type ListRoomsResponse struct {
	Rooms []lobby.RoomSummary `json:"rooms"`
}

type RoomMember struct {
	lobby.MemberInfo
	Username string `json:"username,omitempty"`
}

type RoomDetailResponse struct {
	ID         lobby.RoomID   `json:"id"`
	Name       string         `json:"name"`
	MaxPlayers int            `json:"maxPlayers"`
	GameType   lobby.GameType `json:"gameType"`
	Status     lobby.Status   `json:"status"`
	Members    []RoomMember   `json:"members"`
	// State and Sequence are absent for rooms that only exist in storage.
	State    *game.State `json:"state,omitempty"`
	Sequence uint64      `json:"sequence"`
}

type ActionsResponse struct {
	Actions []ActionRecord `json:"actions"`
}

type ActionRecord struct {
	Sequence uint64    `json:"sequence"`
	Kind     string    `json:"kind"`
	Player   string    `json:"player"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

func newActionRecord(e realtime.Entry) ActionRecord {
	rec := ActionRecord{
		Sequence: e.Sequence,
		Kind:     string(e.Kind),
		Player:   string(e.Player),
		At:       e.At,
	}
	if len(e.Payload) > 0 {
		rec.Payload = e.Payload
	}
	return rec
}
