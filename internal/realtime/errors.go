package realtime

import (
	"errors"

	"lobby-server/internal/lobby"
)

// ErrRejected matches every refusal reported by Open and Submit.
var ErrRejected = errors.New("rejected")

var ErrChannelClosed = lobby.NewError("CHANNEL_CLOSED", "channel is closed")

// RejectedError is a refusal with the underlying reason. The reason keeps its
// code, so lobby.Code reports it unchanged.
type RejectedError struct {
	Reason error
}

func rejected(reason error) error {
	return &RejectedError{Reason: reason}
}

func (e *RejectedError) Error() string { return e.Reason.Error() }

func (e *RejectedError) Unwrap() error { return e.Reason }

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// CloseReason says why a channel stopped delivering.
type CloseReason string

const (
	ReasonClosed     CloseReason = "closed"
	ReasonReplaced   CloseReason = "replaced"
	ReasonLeft       CloseReason = "left"
	ReasonRoomClosed CloseReason = "room_closed"
	ReasonLagging    CloseReason = "lagging"
	ReasonShutdown   CloseReason = "shutdown"
)
