package server

import (
	"time"

	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

type Config struct {
	Port        int
	DatabaseURL string

	// GracePeriod is how long a dropped player keeps their seat.
	GracePeriod time.Duration
	// IdleTimeout evicts rooms nobody is connected to.
	IdleTimeout     time.Duration
	SubmitTimeout   time.Duration
	MaxFindAttempts int

	// RateLimit is the number of websocket messages a connection may send per second.
	RateLimit int
	// HeartbeatTimeout closes sockets that have been silent for this long.
	HeartbeatTimeout time.Duration

	SaveInterval    time.Duration
	CleanupInterval time.Duration
	// RetainClosed is how long closed rooms stay in the database.
	RetainClosed time.Duration

	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		Port:             8080,
		GracePeriod:      lobby.DefaultGracePeriod,
		IdleTimeout:      5 * time.Minute,
		SubmitTimeout:    realtime.DefaultSubmitTimeout,
		MaxFindAttempts:  lobby.DefaultMaxFindAttempts,
		RateLimit:        10,
		HeartbeatTimeout: 2 * time.Minute,
		SaveInterval:     30 * time.Second,
		CleanupInterval:  time.Hour,
		RetainClosed:     24 * time.Hour,
		AllowedOrigins:   []string{"*"},
	}
}
