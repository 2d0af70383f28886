package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

const (
	maxMessageSize = 64 << 10
	writeTimeout   = 5 * time.Second
)

// Close codes for channels the server ends. Private range per RFC 6455.
const (
	StatusReplaced   websocket.StatusCode = 4001
	StatusRoomClosed websocket.StatusCode = 4002
	StatusLagging    websocket.StatusCode = 4003
)

func closeStatus(reason realtime.CloseReason) websocket.StatusCode {
	switch reason {
	case realtime.ReasonReplaced:
		return StatusReplaced
	case realtime.ReasonRoomClosed:
		return StatusRoomClosed
	case realtime.ReasonLagging:
		return StatusLagging
	case realtime.ReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

// websocketHandler upgrades an admitted member to the room's session channel.
// The first message is the room's full state; later ones are the room's
// sequenced actions, interleaved with direct replies to this client.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDFrom(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	session, err := s.sessionManager.GetSession(r.URL.Query().Get("token"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.registry.GetRoom(roomID); err != nil {
		s.fail(w, err)
		return
	}
	if !s.registry.IsMember(roomID, session.PlayerID) {
		s.fail(w, lobby.ErrNotMember)
		return
	}

	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warnf("Failed to open websocket: %v", err)
		return
	}
	socket.SetReadLimit(maxMessageSize)

	ctx := r.Context()
	connectionID := uuid.NewString()

	ch, err := s.hub.Open(ctx, session.PlayerID, roomID, connectionID)
	if err != nil {
		s.logger.Infow("Channel refused", "room", roomID, "player", session.PlayerID, "error", err)
		socket.Close(websocket.StatusPolicyViolation, lobby.Code(err))
		return
	}

	s.connectionManager.AddConnection(connectionID, socket, PlayerConnection{
		RoomID:   roomID,
		PlayerID: session.PlayerID,
		Username: session.Username,
	})
	s.connectionHealth.UpdateActivity(connectionID)
	s.logger.Infow("Channel opened", "room", roomID, "player", session.PlayerID, "connection", connectionID)

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.writePump(ctx, socket, ch)
	}()

	s.readPump(ctx, socket, ch)

	ch.Close()
	<-written

	s.connectionManager.RemoveConnection(connectionID)
	s.rateLimiter.RemoveConnection(connectionID)
	s.connectionHealth.RemoveConnection(connectionID)
	s.logger.Infow("Channel closed", "room", roomID, "player", session.PlayerID, "connection", connectionID, "reason", ch.Reason())
}

// writePump forwards the room stream until the channel stops, then closes
// the socket with a status telling the client why.
func (s *Server) writePump(ctx context.Context, socket *websocket.Conn, ch *realtime.Channel) {
	for msg := range ch.Messages() {
		if err := s.sendMessage(ctx, socket, msg); err != nil {
			s.logger.Debugf("Write to %s failed: %v", ch.ID(), err)
			socket.CloseNow()
			// Drain so Close can finish; the channel is dropped as lagging
			// or closed by the read side.
			for range ch.Messages() {
			}
			return
		}
	}
	reason := ch.Reason()
	socket.Close(closeStatus(reason), string(reason))
}

func (s *Server) readPump(ctx context.Context, socket *websocket.Conn, ch *realtime.Channel) {
	connectionID := ch.ID()
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			s.logger.Debugf("Connection %s read ended: %v", connectionID, err)
			return
		}
		s.connectionHealth.UpdateActivity(connectionID)

		if msgType != websocket.MessageText {
			s.logger.Debugf("Non-text input from %s", connectionID)
			continue
		}
		if !s.rateLimiter.Allow(connectionID) {
			s.sendError(ctx, socket, "", "RATE_LIMIT_EXCEEDED", "Too many messages, slow down")
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(ctx, socket, "", "INVALID_JSON", "Invalid JSON")
			continue
		}
		if err := ValidateMessageKind(msg.Kind); err != nil {
			s.sendError(ctx, socket, msg.Ref, "INVALID_MESSAGE_TYPE", err.Error())
			continue
		}

		if msg.Kind == MessagePing {
			s.reply(ctx, socket, ServerMessage{Kind: MessagePong, Payload: struct{}{}, Ref: msg.Ref})
			continue
		}

		seq, err := ch.Submit(ctx, game.Kind(msg.Kind), msg.Payload)
		if err != nil {
			s.reply(ctx, socket, ServerMessage{
				Kind:    MessageRejected,
				Payload: RejectedPayload{Code: wireCode(err), Message: err.Error()},
				Ref:     msg.Ref,
			})
			if errors.Is(err, realtime.ErrChannelClosed) {
				return
			}
			continue
		}
		s.reply(ctx, socket, ServerMessage{Kind: MessageAccepted, Payload: AcceptedPayload{Sequence: seq}, Ref: msg.Ref})

		if game.Kind(msg.Kind) == game.KindLeave {
			return
		}
	}
}

func (s *Server) sendMessage(ctx context.Context, socket *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return socket.Write(ctx, websocket.MessageText, data)
}

func (s *Server) reply(ctx context.Context, socket *websocket.Conn, msg ServerMessage) {
	if err := s.sendMessage(ctx, socket, msg); err != nil {
		s.logger.Debugf("Failed to send %s: %v", msg.Kind, err)
	}
}

func (s *Server) sendError(ctx context.Context, socket *websocket.Conn, ref, code, message string) {
	s.reply(ctx, socket, ServerMessage{
		Kind:    MessageError,
		Payload: ErrorMessage{Message: message, Code: code},
		Ref:     ref,
	})
}
