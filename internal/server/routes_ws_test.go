package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

// wireMessage is what a client sees: stream messages carry a sequence,
// replies carry a ref.
type wireMessage struct {
	Sequence uint64          `json:"sequence"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Ref      string          `json:"ref"`
}

func wsURL(url string, room lobby.RoomID, token string) string {
	return fmt.Sprintf("ws%s/ws/rooms/%d?token=%s", strings.TrimPrefix(url, "http"), room, token)
}

func dialRoom(t *testing.T, url string, room lobby.RoomID, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(url, room, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readKind skips messages until one of kind arrives.
func readKind(t *testing.T, conn *websocket.Conn, kind string) wireMessage {
	t.Helper()
	for {
		if msg := read(t, conn); msg.Kind == kind {
			return msg
		}
	}
}

// readClose reads until the server closes the socket and returns the status.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			require.NoError(t, ctx.Err(), "socket was not closed")
			return websocket.CloseStatus(err)
		}
	}
}

type wsRoom struct {
	url   string
	id    lobby.RoomID
	alice CreateSessionResponse
	bob   CreateSessionResponse
}

// setupWSRoom seats Alice (host) and Bob in a room of maxPlayers.
func setupWSRoom(t *testing.T, url string, maxPlayers int) wsRoom {
	t.Helper()
	r := wsRoom{url: url, alice: newSession(t, url, "Alice"), bob: newSession(t, url, "Bob")}
	r.id = createRoom(t, url, r.alice.Token, CreateRoomRequest{MaxPlayers: seats(maxPlayers)})
	require.Equal(t, http.StatusOK, joinRoom(t, url, r.bob.Token, r.id).Status)
	return r
}

func TestWebSocket_Refused(t *testing.T) {
	_, url := setupTestServer(t)
	room := setupWSRoom(t, url, 3)
	mallory := newSession(t, url, "Mallory")

	tests := []struct {
		name   string
		url    string
		status int
	}{
		{"unknown token", wsURL(url, room.id, "nope"), http.StatusUnauthorized},
		{"not a member", wsURL(url, room.id, mallory.Token), http.StatusNotFound},
		{"unknown room", wsURL(url, 99, room.alice.Token), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.Dial(context.Background(), tt.url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestWebSocket_FirstMessageIsState(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t)
	room := setupWSRoom(t, url, 3)

	conn := dialRoom(t, url, room.id, room.alice.Token)

	msg := read(t, conn)
	assert.Equal(realtime.KindState, msg.Kind)
	// two joins and Alice's connection
	assert.Equal(uint64(3), msg.Sequence)

	var state game.State
	require.NoError(t, json.Unmarshal(msg.Payload, &state))
	assert.Equal(room.id, state.Room)
	assert.Equal(game.PhaseLobby, state.Phase)
	assert.Equal(room.alice.PlayerID, state.Host)
	require.Len(t, state.Players, 2)
	assert.True(state.Players[0].Connected)
	assert.False(state.Players[1].Connected)

	assert.Eventually(func() bool { return s.connectionManager.Count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_Ping(t *testing.T) {
	_, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)
	conn := dialRoom(t, url, room.id, room.alice.Token)
	read(t, conn)

	send(t, conn, ClientMessage{Kind: MessagePing, Ref: "p1"})

	msg := readKind(t, conn, MessagePong)
	assert.Equal(t, "p1", msg.Ref)
	assert.Zero(t, msg.Sequence)
}

func TestWebSocket_InvalidInput(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)
	conn := dialRoom(t, url, room.id, room.alice.Token)
	read(t, conn)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("junk")))
	msg := readKind(t, conn, MessageError)
	var errMsg ErrorMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &errMsg))
	assert.Equal("INVALID_JSON", errMsg.Code)

	// Room-raised kinds cannot be submitted by clients.
	send(t, conn, ClientMessage{Kind: string(game.KindPlayerJoined), Ref: "x"})
	msg = readKind(t, conn, MessageError)
	require.NoError(t, json.Unmarshal(msg.Payload, &errMsg))
	assert.Equal("INVALID_MESSAGE_TYPE", errMsg.Code)
	assert.Equal("x", msg.Ref)

	// The connection survives bad input.
	send(t, conn, ClientMessage{Kind: MessagePing})
	readKind(t, conn, MessagePong)
}

func TestWebSocket_ChatIsSequencedForEveryone(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)

	alice := dialRoom(t, url, room.id, room.alice.Token)
	read(t, alice)
	bob := dialRoom(t, url, room.id, room.bob.Token)
	bobState := read(t, bob)
	// Alice sees Bob arrive right after her snapshot.
	connected := readKind(t, alice, string(game.KindPlayerConnected))
	assert.Equal(bobState.Sequence, connected.Sequence)

	send(t, alice, ClientMessage{Kind: string(game.KindChat), Payload: json.RawMessage(`{"text":"hello"}`), Ref: "c1"})

	accepted := readKind(t, alice, MessageAccepted)
	assert.Equal("c1", accepted.Ref)
	var ack AcceptedPayload
	require.NoError(t, json.Unmarshal(accepted.Payload, &ack))
	assert.Equal(bobState.Sequence+1, ack.Sequence)

	got := readKind(t, bob, string(game.KindChat))
	assert.Equal(ack.Sequence, got.Sequence)
	var event struct {
		Player lobby.PlayerID `json:"player"`
		State  game.State     `json:"state"`
	}
	require.NoError(t, json.Unmarshal(got.Payload, &event))
	assert.Equal(room.alice.PlayerID, event.Player)
	require.Len(t, event.State.Chat, 1)
	assert.Equal("hello", event.State.Chat[0].Text)
}

func TestWebSocket_RejectedActionDoesNotAdvance(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t)
	room := setupWSRoom(t, url, 3)

	bob := dialRoom(t, url, room.id, room.bob.Token)
	state := read(t, bob)

	send(t, bob, ClientMessage{Kind: string(game.KindStart), Ref: "s1"})

	msg := readKind(t, bob, MessageRejected)
	assert.Equal("s1", msg.Ref)
	var rejected RejectedPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &rejected))
	assert.Equal("NOT_HOST", rejected.Code)

	_, seq, err := s.hub.State(context.Background(), room.id)
	require.NoError(t, err)
	assert.Equal(state.Sequence, seq)
}

func TestWebSocket_ReadyStartsGame(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)

	alice := dialRoom(t, url, room.id, room.alice.Token)
	read(t, alice)
	bob := dialRoom(t, url, room.id, room.bob.Token)
	read(t, bob)

	send(t, alice, ClientMessage{Kind: string(game.KindReady)})
	readKind(t, alice, MessageAccepted)
	send(t, bob, ClientMessage{Kind: string(game.KindReady)})
	readKind(t, bob, MessageAccepted)

	start := readKind(t, alice, string(game.KindStart))
	var event struct {
		State game.State `json:"state"`
	}
	require.NoError(t, json.Unmarshal(start.Payload, &event))
	assert.Equal(game.PhasePlaying, event.State.Phase)

	info, err := s.registry.GetRoom(room.id)
	require.NoError(t, err)
	assert.Equal(lobby.StatusInProgress, info.Status)
}

func TestWebSocket_RateLimit(t *testing.T) {
	_, url := setupTestServer(t, func(cfg *Config) { cfg.RateLimit = 3 })
	room := setupWSRoom(t, url, 2)
	conn := dialRoom(t, url, room.id, room.alice.Token)
	read(t, conn)

	for range 10 {
		send(t, conn, ClientMessage{Kind: MessagePing})
	}

	limited := false
	for range 10 {
		msg := read(t, conn)
		if msg.Kind == MessageError && strings.Contains(string(msg.Payload), "RATE_LIMIT_EXCEEDED") {
			limited = true
		}
	}
	assert.True(t, limited, "expected at least one RATE_LIMIT_EXCEEDED reply")
}

func TestWebSocket_Leave(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t)
	room := setupWSRoom(t, url, 3)

	alice := dialRoom(t, url, room.id, room.alice.Token)
	read(t, alice)
	bob := dialRoom(t, url, room.id, room.bob.Token)
	read(t, bob)

	send(t, bob, ClientMessage{Kind: string(game.KindLeave)})

	assert.Equal(websocket.StatusNormalClosure, readClose(t, bob))
	left := readKind(t, alice, string(game.KindPlayerLeft))
	assert.NotZero(left.Sequence)
	assert.False(s.registry.IsMember(room.id, room.bob.PlayerID))
}

func TestWebSocket_ReplacedConnection(t *testing.T) {
	_, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)

	first := dialRoom(t, url, room.id, room.bob.Token)
	read(t, first)

	second := dialRoom(t, url, room.id, room.bob.Token)
	assert.Equal(t, realtime.KindState, read(t, second).Kind)

	assert.Equal(t, StatusReplaced, readClose(t, first))
}

// Scenario: a player drops, comes back within the grace period and keeps the
// seat; after dropping again and staying away the seat is released.
func TestWebSocket_GracePeriod(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t, func(cfg *Config) { cfg.GracePeriod = 500 * time.Millisecond })
	room := setupWSRoom(t, url, 3)

	alice := dialRoom(t, url, room.id, room.alice.Token)
	read(t, alice)
	bob := dialRoom(t, url, room.id, room.bob.Token)
	read(t, bob)

	bob.Close(websocket.StatusNormalClosure, "")
	readKind(t, alice, string(game.KindPlayerDisconnected))

	bob = dialRoom(t, url, room.id, room.bob.Token)
	snapshot := read(t, bob)
	assert.Equal(realtime.KindState, snapshot.Kind)
	readKind(t, alice, string(game.KindPlayerConnected))

	bob.Close(websocket.StatusNormalClosure, "")
	readKind(t, alice, string(game.KindPlayerDisconnected))

	left := readKind(t, alice, string(game.KindPlayerLeft))
	assert.NotZero(left.Sequence)
	assert.False(s.registry.IsMember(room.id, room.bob.PlayerID))

	_, resp, err := websocket.Dial(context.Background(), wsURL(url, room.id, room.bob.Token), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_ShutdownClosesSockets(t *testing.T) {
	s, url := setupTestServer(t)
	room := setupWSRoom(t, url, 2)
	conn := dialRoom(t, url, room.id, room.alice.Token)
	read(t, conn)

	require.NoError(t, s.Shutdown(context.Background()))

	assert.Equal(t, websocket.StatusGoingAway, readClose(t, conn))
}
