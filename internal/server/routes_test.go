package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lobby-server/internal/lobby"
)

// setupTestServer starts the routes on an httptest server backed by memory only.
func setupTestServer(t *testing.T, configure ...func(*Config)) (*Server, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.GracePeriod = 5 * time.Second
	cfg.IdleTimeout = 0
	for _, fn := range configure {
		fn(&cfg)
	}

	s, err := NewServer(context.Background(), cfg, zap.NewNop().Sugar(), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(s.RegisterRoutes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, ts.URL
}

type apiResponse struct {
	Status int
	Body   []byte
}

func (r apiResponse) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Body, v), "body: %s", r.Body)
}

func (r apiResponse) errorCode(t *testing.T) string {
	t.Helper()
	var msg ErrorMessage
	r.decode(t, &msg)
	return msg.Code
}

func call(t *testing.T, method, url, token string, body any) apiResponse {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return apiResponse{Status: resp.StatusCode, Body: data}
}

func newSession(t *testing.T, url, username string) CreateSessionResponse {
	t.Helper()
	resp := call(t, "POST", url+"/api/session", "", CreateSessionRequest{Username: username})
	require.Equal(t, http.StatusCreated, resp.Status, "body: %s", resp.Body)

	var session CreateSessionResponse
	resp.decode(t, &session)
	return session
}

func createRoom(t *testing.T, url, token string, req CreateRoomRequest) lobby.RoomID {
	t.Helper()
	resp := call(t, "POST", url+"/api/rooms", token, req)
	require.Equal(t, http.StatusCreated, resp.Status, "body: %s", resp.Body)

	var room RoomResponse
	resp.decode(t, &room)
	return room.RoomID
}

func joinRoom(t *testing.T, url, token string, room lobby.RoomID) apiResponse {
	t.Helper()
	return call(t, "POST", fmt.Sprintf("%s/api/rooms/%d/join", url, room), token, nil)
}

func seats(n int) *int {
	return &n
}

func listRooms(t *testing.T, url string) []lobby.RoomSummary {
	t.Helper()
	resp := call(t, "GET", url+"/api/rooms", "", nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var list ListRoomsResponse
	resp.decode(t, &list)
	return list.Rooms
}

func TestHealthHandler(t *testing.T) {
	_, url := setupTestServer(t)

	resp := call(t, "GET", url+"/health", "", nil)
	require.Equal(t, http.StatusOK, resp.Status)

	var health map[string]any
	resp.decode(t, &health)
	assert.Equal(t, "up", health["status"])
	assert.EqualValues(t, 0, health["rooms"])
	assert.EqualValues(t, 0, health["connections"])
	assert.EqualValues(t, 0, health["sessions"])
	assert.NotContains(t, health, "database")
}

func TestCORSPreflight(t *testing.T) {
	_, url := setupTestServer(t)

	resp := call(t, "OPTIONS", url+"/api/rooms", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.Status)
}

func TestCreateSession(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)

	alice := newSession(t, url, "  Alice ")
	assert.NotEmpty(alice.Token)
	assert.NotEmpty(alice.PlayerID)
	assert.Equal("Alice", alice.Username)

	bob := newSession(t, url, "Alice")
	assert.NotEqual(alice.Token, bob.Token)
	assert.NotEqual(alice.PlayerID, bob.PlayerID)

	resp := call(t, "POST", url+"/api/session", "", CreateSessionRequest{Username: ""})
	assert.Equal(http.StatusBadRequest, resp.Status)
	assert.Equal("USERNAME_INVALID", resp.errorCode(t))

	resp = call(t, "POST", url+"/api/session", "", CreateSessionRequest{Username: "ThisUsernameIsWayTooLongAndShouldFail"})
	assert.Equal(http.StatusBadRequest, resp.Status)
}

func TestRequireSession(t *testing.T) {
	_, url := setupTestServer(t)

	resp := call(t, "POST", url+"/api/rooms", "", CreateRoomRequest{})
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, "UNAUTHENTICATED", resp.errorCode(t))

	resp = call(t, "POST", url+"/api/rooms/find", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Status)
	assert.Equal(t, "TOKEN_NOT_FOUND", resp.errorCode(t))
}

func TestDeleteSession(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")
	bob := newSession(t, url, "Bob")

	resp := call(t, "DELETE", url+"/api/session", alice.Token, nil)
	assert.Equal(http.StatusNoContent, resp.Status)

	resp = call(t, "POST", url+"/api/rooms", alice.Token, CreateRoomRequest{})
	assert.Equal(http.StatusUnauthorized, resp.Status)
	assert.Equal("TOKEN_NOT_FOUND", resp.errorCode(t))

	resp = call(t, "DELETE", url+"/api/session", alice.Token, nil)
	assert.Equal(http.StatusUnauthorized, resp.Status)

	// Other sessions are untouched.
	createRoom(t, url, bob.Token, CreateRoomRequest{})

	var health map[string]any
	call(t, "GET", url+"/health", "", nil).decode(t, &health)
	assert.EqualValues(1, health["sessions"])
}

func TestCreateRoom_Defaults(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")

	id := createRoom(t, url, alice.Token, CreateRoomRequest{})

	rooms := listRooms(t, url)
	require.Len(t, rooms, 1)
	assert.Equal(id, rooms[0].ID)
	assert.Equal("Alice's room", rooms[0].Name)
	assert.Equal(lobby.GameClassic, rooms[0].GameType)
	assert.Equal(6, rooms[0].MaxPlayers)
	assert.Equal(1, rooms[0].Players)
	assert.Equal(lobby.StatusOpen, rooms[0].Status)
}

func TestCreateRoom_Validation(t *testing.T) {
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")

	tests := []struct {
		name string
		req  CreateRoomRequest
	}{
		{"unknown game type", CreateRoomRequest{GameType: "poker"}},
		{"too many players", CreateRoomRequest{MaxPlayers: seats(7)}},
		{"negative players", CreateRoomRequest{MaxPlayers: seats(-1)}},
		{"zero players", CreateRoomRequest{MaxPlayers: seats(0)}},
		{"name too long", CreateRoomRequest{Name: strings.Repeat("x", 51)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, "POST", url+"/api/rooms", alice.Token, tt.req)
			assert.Equal(t, http.StatusBadRequest, resp.Status, "body: %s", resp.Body)
			assert.Equal(t, "VALIDATION_ERROR", resp.errorCode(t))
		})
	}

	assert.Empty(t, listRooms(t, url), "nothing is created on validation failure")
}

// Scenario: a two-seat room fills up, a third player is turned away and the
// room disappears from the lobby listing.
func TestJoinRoom_RoomFull(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")
	bob := newSession(t, url, "Bob")
	carol := newSession(t, url, "Carol")

	id := createRoom(t, url, alice.Token, CreateRoomRequest{Name: "duel", MaxPlayers: seats(2)})

	resp := joinRoom(t, url, bob.Token, id)
	assert.Equal(http.StatusOK, resp.Status)

	resp = joinRoom(t, url, carol.Token, id)
	assert.Equal(http.StatusConflict, resp.Status)
	assert.Equal("ROOM_FULL", resp.errorCode(t))

	// Joining again is a no-op success.
	resp = joinRoom(t, url, bob.Token, id)
	assert.Equal(http.StatusOK, resp.Status)

	assert.Empty(listRooms(t, url))
}

func TestJoinRoom_BadRoom(t *testing.T) {
	_, url := setupTestServer(t)
	bob := newSession(t, url, "Bob")

	resp := joinRoom(t, url, bob.Token, 42)
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, "ROOM_NOT_FOUND", resp.errorCode(t))

	resp = call(t, "POST", url+"/api/rooms/abc/join", bob.Token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "VALIDATION_ERROR", resp.errorCode(t))
}

func TestFindRoom(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")
	bob := newSession(t, url, "Bob")

	resp := call(t, "POST", url+"/api/rooms/find", bob.Token, nil)
	assert.Equal(http.StatusNotFound, resp.Status)
	assert.Equal("NO_AVAILABLE_ROOM", resp.errorCode(t))

	id := createRoom(t, url, alice.Token, CreateRoomRequest{MaxPlayers: seats(2)})

	resp = call(t, "POST", url+"/api/rooms/find", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.Status)
	var found RoomResponse
	resp.decode(t, &found)
	assert.Equal(id, found.RoomID)

	// The only room is full now.
	carol := newSession(t, url, "Carol")
	resp = call(t, "POST", url+"/api/rooms/find", carol.Token, nil)
	assert.Equal(http.StatusNotFound, resp.Status)
}

func TestLeaveRoom(t *testing.T) {
	assert := assert.New(t)
	s, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")
	bob := newSession(t, url, "Bob")

	id := createRoom(t, url, alice.Token, CreateRoomRequest{MaxPlayers: seats(2)})
	require.Equal(t, http.StatusOK, joinRoom(t, url, bob.Token, id).Status)

	resp := call(t, "POST", fmt.Sprintf("%s/api/rooms/%d/leave", url, id), bob.Token, nil)
	assert.Equal(http.StatusOK, resp.Status)

	info, err := s.registry.GetRoom(id)
	require.NoError(t, err)
	assert.Equal(lobby.StatusOpen, info.Status)
	assert.Len(info.Members, 1)

	resp = call(t, "POST", fmt.Sprintf("%s/api/rooms/%d/leave", url, id), bob.Token, nil)
	assert.Equal(http.StatusNotFound, resp.Status)
	assert.Equal("NOT_IN_ROOM", resp.errorCode(t))

	// The last member leaving removes the room.
	resp = call(t, "POST", fmt.Sprintf("%s/api/rooms/%d/leave", url, id), alice.Token, nil)
	assert.Equal(http.StatusOK, resp.Status)
	_, err = s.registry.GetRoom(id)
	assert.ErrorIs(err, lobby.ErrNotFound)
}

func TestRoomDetail(t *testing.T) {
	assert := assert.New(t)
	_, url := setupTestServer(t)
	alice := newSession(t, url, "Alice")
	bob := newSession(t, url, "Bob")

	id := createRoom(t, url, alice.Token, CreateRoomRequest{Name: "table", MaxPlayers: seats(3)})
	require.Equal(t, http.StatusOK, joinRoom(t, url, bob.Token, id).Status)

	var detail RoomDetailResponse
	require.Eventually(t, func() bool {
		resp := call(t, "GET", fmt.Sprintf("%s/api/rooms/%d", url, id), "", nil)
		if resp.Status != http.StatusOK {
			return false
		}
		resp.decode(t, &detail)
		return detail.Sequence == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal("table", detail.Name)
	require.Len(t, detail.Members, 2)
	assert.Equal(alice.PlayerID, detail.Members[0].Player)
	assert.Equal("Alice", detail.Members[0].Username)
	assert.Equal("Bob", detail.Members[1].Username)
	require.NotNil(t, detail.State)
	assert.Equal(alice.PlayerID, detail.State.Host)
	assert.Len(detail.State.Players, 2)

	resp := call(t, "GET", url+"/api/rooms/77", "", nil)
	assert.Equal(http.StatusNotFound, resp.Status)
}

func TestActions_RequireDatabase(t *testing.T) {
	_, url := setupTestServer(t)

	resp := call(t, "GET", url+"/api/rooms/1/actions", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "UNAVAILABLE", resp.errorCode(t))
}
