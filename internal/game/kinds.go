package game

type Kind string

const (
	// Lobby phase
	KindReady   Kind = "ready"
	KindUnready Kind = "unready"
	KindStart   Kind = "start"

	// Play phase
	KindMove Kind = "move"
	KindEnd  Kind = "end"

	// Any phase
	KindChat  Kind = "chat"
	KindLeave Kind = "leave"

	// Raised by the room itself when membership or connectivity changes.
	// Clients cannot submit these.
	KindPlayerJoined       Kind = "player_joined"
	KindPlayerLeft         Kind = "player_left"
	KindPlayerConnected    Kind = "player_connected"
	KindPlayerDisconnected Kind = "player_disconnected"
)

type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhasePlaying  Phase = "playing"
	PhaseFinished Phase = "finished"
)

// IsClientKind reports whether players may submit actions of kind k.
func IsClientKind(k Kind) bool {
	h, ok := handlers[k]
	return ok && h.client
}

// ClientKinds lists the kinds a player may submit.
func ClientKinds() []Kind {
	return []Kind{KindReady, KindUnready, KindStart, KindMove, KindEnd, KindChat, KindLeave}
}
