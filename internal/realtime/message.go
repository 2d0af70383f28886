package realtime

import (
	"encoding/json"
	"time"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
)

// KindState marks the full-state message every channel receives first.
const KindState = "state"

// Message is one entry of a room's ordered stream. Sequence is the number of
// actions applied when the message was produced; for KindState it is the
// sequence the snapshot reflects, for every other kind it is the sequence the
// action was assigned.
type Message struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Payload  any    `json:"payload"`
}

// Event is the payload of a sequenced action: who did it, what they sent, and
// the room state it produced.
type Event struct {
	Player lobby.PlayerID  `json:"player"`
	Data   json.RawMessage `json:"data,omitempty"`
	State  game.State      `json:"state"`
}

// Entry is the journal record of one sequenced action.
type Entry struct {
	Room     lobby.RoomID
	Sequence uint64
	Kind     game.Kind
	Player   lobby.PlayerID
	Payload  json.RawMessage
	At       time.Time
}

// Journal receives every sequenced action, in order per room. Record is
// called from the room's synchronizer and must not block.
type Journal interface {
	Record(Entry)
}

type nopJournal struct{}

func (nopJournal) Record(Entry) {}
