package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"lobby-server/internal/game"
)

// RateLimiter is a per-connection sliding window limiter.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time // connectionID -> timestamps inside the window
	mu          sync.Mutex
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
	}
}

// Allow reports whether connectionID may send another message now.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	recent := r.prune(r.requests[connectionID], now.Add(-r.window))
	if len(recent) >= r.maxRequests {
		r.requests[connectionID] = recent
		return false
	}
	r.requests[connectionID] = append(recent, now)
	return true
}

func (r *RateLimiter) prune(timestamps []time.Time, cutoff time.Time) []time.Time {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Cleanup forgets connections with no request inside the window.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	for connID, timestamps := range r.requests {
		if recent := r.prune(timestamps, cutoff); len(recent) > 0 {
			r.requests[connID] = recent
		} else {
			delete(r.requests, connID)
		}
	}
}

func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

// ConnectionHealth tracks the last inbound message per socket.
type ConnectionHealth struct {
	lastActivity map[string]time.Time
	mu           sync.RWMutex
}

func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		lastActivity: make(map[string]time.Time),
	}
}

func (h *ConnectionHealth) UpdateActivity(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity[connectionID] = time.Now()
}

// IsInactive is false for connections that were never seen.
func (h *ConnectionHealth) IsInactive(connectionID string, timeout time.Duration) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	lastActivity, exists := h.lastActivity[connectionID]
	if !exists {
		return false
	}
	return time.Since(lastActivity) > timeout
}

func (h *ConnectionHealth) GetInactiveConnections(timeout time.Duration) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	inactive := make([]string, 0)
	now := time.Now()
	for connID, lastActivity := range h.lastActivity {
		if now.Sub(lastActivity) > timeout {
			inactive = append(inactive, connID)
		}
	}
	return inactive
}

func (h *ConnectionHealth) RemoveConnection(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.lastActivity, connectionID)
}

// ValidateMessageKind accepts ping and every action kind a client may submit.
func ValidateMessageKind(kind string) error {
	if kind == MessagePing || game.IsClientKind(game.Kind(kind)) {
		return nil
	}
	return fmt.Errorf("INVALID_MESSAGE_TYPE: Unknown message kind '%s'", kind)
}

func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("USERNAME_INVALID: Username cannot be empty")
	}
	if utf8.RuneCountInString(username) > 20 {
		return fmt.Errorf("USERNAME_INVALID: Username too long (max 20 characters)")
	}
	return nil
}
