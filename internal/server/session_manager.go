package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"lobby-server/internal/lobby"
)

var ErrTokenNotFound = errors.New("TOKEN_NOT_FOUND: Invalid session token")

// SessionInfo is what the auth boundary knows about a caller.
type SessionInfo struct {
	Token     string         `json:"token"`
	PlayerID  lobby.PlayerID `json:"playerId"`
	Username  string         `json:"username"`
	CreatedAt time.Time      `json:"createdAt"`
}

type SessionManager struct {
	sessions map[string]SessionInfo // Token -> SessionInfo
	mu       sync.RWMutex
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]SessionInfo),
	}
}

// CreateSession issues a token and a stable player id for username.
func (sm *SessionManager) CreateSession(username string) SessionInfo {
	info := SessionInfo{
		Token:     uuid.NewString(),
		PlayerID:  lobby.PlayerID(uuid.NewString()),
		Username:  username,
		CreatedAt: time.Now(),
	}
	sm.StoreSession(info)
	return info
}

func (sm *SessionManager) StoreSession(info SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sessions[info.Token] = info
}

func (sm *SessionManager) GetSession(token string) (SessionInfo, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[token]
	if !exists {
		return SessionInfo{}, ErrTokenNotFound
	}

	return session, nil
}

func (sm *SessionManager) RemoveSession(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, token)
}

// Username resolves a player id to its display name.
func (sm *SessionManager) Username(player lobby.PlayerID) string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, session := range sm.sessions {
		if session.PlayerID == player {
			return session.Username
		}
	}
	return ""
}

// Count reports the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
