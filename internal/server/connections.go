package server

import (
	"sync"

	"github.com/coder/websocket"

	"lobby-server/internal/lobby"
)

type PlayerConnection struct {
	RoomID   lobby.RoomID
	PlayerID lobby.PlayerID
	Username string
}

type ConnectionManager struct {
	connections map[string]*websocket.Conn  // connectionID → socket
	players     map[string]PlayerConnection // connectionID → player info
	mu          sync.RWMutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*websocket.Conn),
		players:     make(map[string]PlayerConnection),
	}
}

func (cm *ConnectionManager) AddConnection(id string, conn *websocket.Conn, player PlayerConnection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[id] = conn
	cm.players[id] = player
}

func (cm *ConnectionManager) RemoveConnection(id string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.connections, id)
	delete(cm.players, id)
}

// GetConnection returns websocket for connectionID
func (cm *ConnectionManager) GetConnection(connectionID string) *websocket.Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return cm.connections[connectionID]
}

func (cm *ConnectionManager) GetPlayer(connectionID string) (PlayerConnection, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	player, ok := cm.players[connectionID]
	return player, ok
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// CloseAll closes every socket with the given status. Used on shutdown.
func (cm *ConnectionManager) CloseAll(code websocket.StatusCode, reason string) int {
	cm.mu.RLock()
	sockets := make([]*websocket.Conn, 0, len(cm.connections))
	for _, conn := range cm.connections {
		sockets = append(sockets, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range sockets {
		conn.Close(code, reason)
	}
	return len(sockets)
}
