package game

// Error is an action refusal. It carries the code reported back to the
// submitting player.
type Error struct {
	code string
	msg  string
}

func (e *Error) Error() string { return e.code + ": " + e.msg }

func (e *Error) Code() string { return e.code }

var (
	ErrUnknownKind      = &Error{"UNKNOWN_KIND", "unknown action kind"}
	ErrWrongPhase       = &Error{"WRONG_PHASE", "action is not allowed in the current phase"}
	ErrNotYourTurn      = &Error{"NOT_YOUR_TURN", "it is another player's turn"}
	ErrMalformedPayload = &Error{"MALFORMED_PAYLOAD", "payload does not match the action kind"}
	ErrNotAPlayer       = &Error{"NOT_A_PLAYER", "actor is not a player in this room"}
	ErrNotHost          = &Error{"NOT_HOST", "only the host can do that"}
)
