package game

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"lobby-server/internal/lobby"
)

// Action is one state change for a room. At is stamped by whoever sequences
// the action so that applying it stays deterministic.
type Action struct {
	Kind    Kind            `json:"kind"`
	Player  lobby.PlayerID  `json:"player"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

type handler struct {
	phases []Phase
	client bool
	apply  func(s *State, a Action) error
}

var anyPhase = []Phase{PhaseLobby, PhasePlaying, PhaseFinished}

var handlers = map[Kind]handler{
	KindReady:   {phases: []Phase{PhaseLobby}, client: true, apply: setReady(true)},
	KindUnready: {phases: []Phase{PhaseLobby}, client: true, apply: setReady(false)},
	KindStart:   {phases: []Phase{PhaseLobby}, client: true, apply: applyStart},
	KindMove:    {phases: []Phase{PhasePlaying}, client: true, apply: applyMove},
	KindEnd:     {phases: []Phase{PhaseLobby, PhasePlaying}, client: true, apply: applyEnd},
	KindChat:    {phases: []Phase{PhaseLobby, PhasePlaying}, client: true, apply: applyChat},
	KindLeave:   {phases: anyPhase, client: true, apply: func(*State, Action) error { return nil }},

	KindPlayerJoined:       {phases: anyPhase, apply: applyPlayerJoined},
	KindPlayerLeft:         {phases: anyPhase, apply: applyPlayerLeft},
	KindPlayerConnected:    {phases: anyPhase, apply: setConnected(true)},
	KindPlayerDisconnected: {phases: anyPhase, apply: setConnected(false)},
}

// Apply computes the state that results from a. It never modifies s; on
// error the returned state is s unchanged.
func Apply(s State, a Action) (State, error) {
	h, ok := handlers[a.Kind]
	if !ok {
		return s, fmt.Errorf("%w %q", ErrUnknownKind, a.Kind)
	}
	if !slices.Contains(h.phases, s.Phase) {
		return s, fmt.Errorf("%w: %s during %s", ErrWrongPhase, a.Kind, s.Phase)
	}
	if h.client && !s.HasPlayer(a.Player) {
		return s, ErrNotAPlayer
	}

	next := s.Clone()
	if err := h.apply(&next, a); err != nil {
		return s, err
	}
	return next, nil
}

func setReady(ready bool) func(*State, Action) error {
	return func(s *State, a Action) error {
		s.Players[s.indexOf(a.Player)].Ready = ready
		return nil
	}
}

func setConnected(connected bool) func(*State, Action) error {
	return func(s *State, a Action) error {
		if i := s.indexOf(a.Player); i >= 0 {
			s.Players[i].Connected = connected
		}
		return nil
	}
}

func applyPlayerJoined(s *State, a Action) error {
	if s.HasPlayer(a.Player) {
		return nil
	}
	s.Players = append(s.Players, Player{ID: a.Player})
	if s.Host == "" {
		s.Host = a.Player
	}
	return nil
}

func applyPlayerLeft(s *State, a Action) error {
	i := s.indexOf(a.Player)
	if i < 0 {
		return nil
	}
	s.Players = slices.Delete(s.Players, i, i+1)

	if i < s.Turn {
		s.Turn--
	}
	if s.Turn >= len(s.Players) {
		s.Turn = 0
	}

	// Hosting passes to the longest-seated remaining player.
	if s.Host == a.Player {
		s.Host = ""
		if len(s.Players) > 0 {
			s.Host = s.Players[0].ID
		}
	}
	return nil
}

func applyStart(s *State, a Action) error {
	if a.Player != s.Host {
		return ErrNotHost
	}
	s.Phase = PhasePlaying
	s.Turn = 0
	s.MoveCount = 0
	s.LastMove = nil
	return nil
}

func applyMove(s *State, a Action) error {
	if s.CurrentPlayer() != a.Player {
		return ErrNotYourTurn
	}
	payload := bytes.TrimSpace(a.Payload)
	if len(payload) == 0 || payload[0] != '{' || !json.Valid(payload) {
		return fmt.Errorf("%w: move needs a JSON object", ErrMalformedPayload)
	}

	s.MoveCount++
	s.LastMove = slices.Clone(payload)
	s.Turn = (s.Turn + 1) % len(s.Players)
	return nil
}

type chatPayload struct {
	Text string `json:"text"`
}

func applyChat(s *State, a Action) error {
	var p chatPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return fmt.Errorf("%w: message longer than %d characters", ErrMalformedPayload, MaxChatLength)
	}

	s.Chat = append(s.Chat, ChatLine{Player: a.Player, Text: text, At: a.At})
	if over := len(s.Chat) - MaxChatLines; over > 0 {
		s.Chat = slices.Delete(s.Chat, 0, over)
	}
	return nil
}

type endPayload struct {
	Winner lobby.PlayerID `json:"winner"`
}

func applyEnd(s *State, a Action) error {
	if a.Player != s.Host {
		return ErrNotHost
	}
	var p endPayload
	if len(bytes.TrimSpace(a.Payload)) > 0 && string(bytes.TrimSpace(a.Payload)) != "null" {
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	if p.Winner != "" && !s.HasPlayer(p.Winner) {
		return fmt.Errorf("%w: winner %q is not a player", ErrMalformedPayload, p.Winner)
	}

	s.Phase = PhaseFinished
	s.Winner = p.Winner
	return nil
}
