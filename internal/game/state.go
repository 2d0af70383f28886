package game

import (
	"encoding/json"
	"slices"
	"time"

	"lobby-server/internal/lobby"
)

const (
	MaxChatLines  = 50
	MaxChatLength = 200
)

type Player struct {
	ID        lobby.PlayerID `json:"id"`
	Ready     bool           `json:"ready"`
	Connected bool           `json:"connected"`
}

type ChatLine struct {
	Player lobby.PlayerID `json:"player"`
	Text   string         `json:"text"`
	At     time.Time      `json:"at"`
}

// State is the authoritative game state of one room. Players are kept in
// joining order, which is also the turn order.
type State struct {
	Room      lobby.RoomID    `json:"room"`
	GameType  lobby.GameType  `json:"gameType"`
	Phase     Phase           `json:"phase"`
	Host      lobby.PlayerID  `json:"host,omitempty"`
	Players   []Player        `json:"players"`
	Turn      int             `json:"turn"`
	MoveCount int             `json:"moveCount"`
	LastMove  json.RawMessage `json:"lastMove,omitempty"`
	Chat      []ChatLine      `json:"chat"`
	Winner    lobby.PlayerID  `json:"winner,omitempty"`
}

func NewState(room lobby.RoomID, gameType lobby.GameType) State {
	return State{
		Room:     room,
		GameType: gameType,
		Phase:    PhaseLobby,
		Players:  []Player{},
		Chat:     []ChatLine{},
	}
}

// Clone returns a deep copy; the result shares no memory with s.
func (s State) Clone() State {
	c := s
	c.Players = slices.Clone(s.Players)
	c.Chat = slices.Clone(s.Chat)
	c.LastMove = slices.Clone(s.LastMove)
	if c.Players == nil {
		c.Players = []Player{}
	}
	if c.Chat == nil {
		c.Chat = []ChatLine{}
	}
	return c
}

func (s *State) indexOf(id lobby.PlayerID) int {
	return slices.IndexFunc(s.Players, func(p Player) bool { return p.ID == id })
}

func (s State) HasPlayer(id lobby.PlayerID) bool {
	return s.indexOf(id) >= 0
}

// CurrentPlayer is the player whose move it is. It is empty outside the
// playing phase.
func (s State) CurrentPlayer() lobby.PlayerID {
	if s.Phase != PhasePlaying || len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.Turn%len(s.Players)].ID
}

// AllReady reports whether the lobby has players and every one of them is ready.
func (s State) AllReady() bool {
	if s.Phase != PhaseLobby || len(s.Players) == 0 {
		return false
	}
	for _, p := range s.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}
