package lobby

import (
	"errors"
	"fmt"
)

// Error is a lobby failure carrying a stable machine-readable code.
// Its text follows the "CODE: message" form used on the wire.
type Error struct {
	code   string
	msg    string
	parent error
}

// NewError builds a coded error in the "CODE: message" form.
func NewError(code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func (e *Error) Error() string { return e.code + ": " + e.msg }

// Code returns the machine-readable error code.
func (e *Error) Code() string { return e.code }

func (e *Error) Unwrap() error { return e.parent }

var (
	ErrNotFound         = NewError("ROOM_NOT_FOUND", "room not found")
	ErrRoomFull         = NewError("ROOM_FULL", "room is full")
	ErrRoomClosed       = NewError("ROOM_CLOSED", "room is not accepting players")
	ErrAlreadyMember    = NewError("ALREADY_MEMBER", "player is already in this room")
	ErrNoAvailableRoom  = NewError("NO_AVAILABLE_ROOM", "no open room with a free seat")
	ErrAlreadyStarted   = NewError("GAME_ALREADY_STARTED", "game has already started")
	ErrNotEnoughPlayers = NewError("NOT_ENOUGH_PLAYERS", "not enough players to start")

	// ErrNotMember is reported when the room exists but the player holds no seat.
	// It matches ErrNotFound under errors.Is.
	ErrNotMember = &Error{code: "NOT_IN_ROOM", msg: "player is not a member of this room", parent: ErrNotFound}
)

// ValidationError reports malformed room parameters. Nothing is created when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("VALIDATION_ERROR: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Code() string { return "VALIDATION_ERROR" }

// Code extracts the wire code of err, looking through wrapped errors.
// Errors that carry no code report "INTERNAL".
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "INTERNAL"
}
