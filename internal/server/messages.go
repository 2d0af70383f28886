package server

import "encoding/json"

// Websocket message kinds the server answers with. Sequenced room messages
// use the action kinds themselves plus realtime.KindState.
const (
	MessagePing     = "ping"
	MessagePong     = "pong"
	MessageAccepted = "accepted"
	MessageRejected = "rejected"
	MessageError    = "error"
)

type ClientMessage struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// ServerMessage is a direct reply to one client message. It carries no
// sequence; only room stream messages do.
type ServerMessage struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
}

type AcceptedPayload struct {
	Sequence uint64 `json:"sequence"`
}

type RejectedPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
