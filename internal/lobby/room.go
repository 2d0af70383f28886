package lobby

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

type RoomID int64

func (id RoomID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseRoomID(s string) (RoomID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, &ValidationError{Field: "roomId", Message: fmt.Sprintf("must be a positive integer, got %q", s)}
	}
	return RoomID(n), nil
}

// PlayerID is the stable identity handed out by the session boundary.
type PlayerID string

// Status is the lifecycle state of a room.
//
//	Open -> Full -> InProgress -> Closed
//	Full -> Open        (a player leaves before the start)
//	any  -> Closed      (explicit end, or every player left)
type Status int8

const (
	StatusOpen Status = iota
	StatusFull
	StatusInProgress
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusFull:
		return "full"
	case StatusInProgress:
		return "in_progress"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{StatusOpen, StatusFull, StatusInProgress, StatusClosed} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown room status %q", s)
}

type GameType string

const (
	GameClassic  GameType = "classic"
	GameTransfer GameType = "transfer"
	GameTeams    GameType = "teams"
)

// GameRules bound the seat count of a game type. MinPlayers is the threshold
// that allows starting a room before it is full.
type GameRules struct {
	MinPlayers int
	MaxPlayers int
}

var gameRules = map[GameType]GameRules{
	GameClassic:  {MinPlayers: 2, MaxPlayers: 6},
	GameTransfer: {MinPlayers: 2, MaxPlayers: 6},
	GameTeams:    {MinPlayers: 4, MaxPlayers: 4},
}

func (g GameType) Rules() (GameRules, bool) {
	rules, ok := gameRules[g]
	return rules, ok
}

func ParseGameType(s string) (GameType, error) {
	g := GameType(s)
	if _, ok := gameRules[g]; !ok {
		return "", &ValidationError{Field: "gameType", Message: fmt.Sprintf("unknown game type %q", s)}
	}
	return g, nil
}

// MemberInfo is a read-only view of one seat.
type MemberInfo struct {
	Player    PlayerID  `json:"player"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// RoomInfo is a point-in-time copy of a room. Changing it has no effect on the registry.
type RoomInfo struct {
	ID           RoomID       `json:"id"`
	Name         string       `json:"name"`
	MaxPlayers   int          `json:"maxPlayers"`
	GameType     GameType     `json:"gameType"`
	Status       Status       `json:"status"`
	Members      []MemberInfo `json:"members"`
	CreatedAt    time.Time    `json:"createdAt"`
	LastActivity time.Time    `json:"lastActivity"`
}

// Summary reduces the room to its lobby listing.
func (ri RoomInfo) Summary() RoomSummary {
	return RoomSummary{
		ID:         ri.ID,
		Name:       ri.Name,
		Players:    len(ri.Members),
		MaxPlayers: ri.MaxPlayers,
		GameType:   ri.GameType,
		Status:     ri.Status,
	}
}

type RoomSummary struct {
	ID         RoomID   `json:"id"`
	Name       string   `json:"name"`
	Players    int      `json:"players"`
	MaxPlayers int      `json:"maxPlayers"`
	GameType   GameType `json:"gameType"`
	Status     Status   `json:"status"`
}

type member struct {
	player       PlayerID
	connectionID string
	joinedAt     time.Time

	// generation invalidates grace timers armed for an older binding.
	generation uint64
	grace      *time.Timer
}

func (m *member) stopGrace() {
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}

type room struct {
	mu sync.Mutex

	id         RoomID
	name       string
	maxPlayers int
	gameType   GameType
	status     Status
	members    []*member
	evicted    bool

	createdAt    time.Time
	lastActivity time.Time
}

func (rm *room) indexOf(player PlayerID) int {
	for i, m := range rm.members {
		if m.player == player {
			return i
		}
	}
	return -1
}

func (rm *room) connectedCount() int {
	n := 0
	for _, m := range rm.members {
		if m.connectionID != "" {
			n++
		}
	}
	return n
}

// info must be called with rm.mu held.
func (rm *room) info() RoomInfo {
	members := make([]MemberInfo, len(rm.members))
	for i, m := range rm.members {
		members[i] = MemberInfo{
			Player:    m.player,
			Connected: m.connectionID != "",
			JoinedAt:  m.joinedAt,
		}
	}
	return RoomInfo{
		ID:           rm.id,
		Name:         rm.name,
		MaxPlayers:   rm.maxPlayers,
		GameType:     rm.gameType,
		Status:       rm.status,
		Members:      members,
		CreatedAt:    rm.createdAt,
		LastActivity: rm.lastActivity,
	}
}
