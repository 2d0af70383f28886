package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lobby-server/internal/database"
	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

type Server struct {
	cfg    Config
	logger *zap.SugaredLogger
	db     database.Service // nil when running in memory only

	registry   *lobby.Registry
	matchmaker *lobby.Matchmaker
	hub        *realtime.Hub

	connectionManager  *ConnectionManager
	sessionManager     *SessionManager
	persistenceManager *PersistenceManager // nil when db is nil
	rateLimiter        *RateLimiter
	connectionHealth   *ConnectionHealth
}

// NewServer wires the lobby, the realtime hub and, when db is not nil, the
// Postgres journal. Migrations must already be applied to db.
func NewServer(ctx context.Context, cfg Config, lg *zap.SugaredLogger, db database.Service) (*Server, error) {
	if lg == nil {
		lg = zap.NewNop().Sugar()
	}

	var (
		pm          *PersistenceManager
		firstRoomID lobby.RoomID
	)
	if db != nil {
		pm = NewPersistenceManager(db.DB(), lg.Named("persistence"))

		next, err := pm.NextRoomID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load room ids: %w", err)
		}
		firstRoomID = next

		// Rooms left open by a previous process are gone from memory.
		if _, err := pm.SaveRooms(ctx, nil); err != nil {
			lg.Warnf("Failed to close stale rooms: %v", err)
		}
	}

	registry := lobby.NewRegistry(
		lobby.WithGracePeriod(cfg.GracePeriod),
		lobby.WithFirstRoomID(firstRoomID),
	)

	hubOpts := []realtime.HubOption{
		realtime.WithLogger(lg.Named("hub")),
		realtime.WithSubmitTimeout(cfg.SubmitTimeout),
	}
	if pm != nil {
		hubOpts = append(hubOpts, realtime.WithJournal(pm))
	}
	hub := realtime.NewHub(registry, hubOpts...)

	s := &Server{
		cfg:                cfg,
		logger:             lg,
		db:                 db,
		registry:           registry,
		matchmaker:         lobby.NewMatchmaker(registry, lobby.WithMaxFindAttempts(cfg.MaxFindAttempts)),
		hub:                hub,
		connectionManager:  NewConnectionManager(),
		sessionManager:     NewSessionManager(),
		persistenceManager: pm,
		rateLimiter:        NewRateLimiter(cfg.RateLimit, time.Second),
		connectionHealth:   NewConnectionHealth(),
	}

	lg.Infow("Server ready", "persistence", pm != nil, "firstRoomID", max(firstRoomID, 1))
	return s, nil
}

// HTTPServer returns the http.Server serving this server's routes.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.RegisterRoutes(),
		IdleTimeout: time.Minute,
		ReadTimeout: 10 * time.Second,
		// WriteTimeout would cut long-lived websocket connections.
	}
}

// Run executes the background tasks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.idleSweepTask(ctx) })
	g.Go(func() error { return s.healthSweepTask(ctx) })
	if s.persistenceManager != nil {
		g.Go(func() error { return s.persistenceManager.Run(ctx) })
		g.Go(func() error { return s.periodicSaveTask(ctx) })
		g.Go(func() error { return s.cleanupTask(ctx) })
	}

	return g.Wait()
}

// Shutdown stops every room, closes the remaining sockets and writes a
// final snapshot.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.hub.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	if n := s.connectionManager.CloseAll(websocket.StatusGoingAway, "server shutting down"); n > 0 {
		s.logger.Infof("Closed %d websocket connections", n)
	}

	if s.persistenceManager != nil {
		if err := s.persistenceManager.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("journal flush: %w", err))
		}
		if _, err := s.persistenceManager.SaveRooms(ctx, s.registry.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("final save: %w", err))
		}
	}
	return errors.Join(errs...)
}

// every runs task on each tick until ctx is done. A non-positive interval
// disables the task.
func every(ctx context.Context, interval time.Duration, task func()) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			task()
		}
	}
}

// idleSweepTask evicts rooms nobody has been connected to for IdleTimeout.
func (s *Server) idleSweepTask(ctx context.Context) error {
	if s.cfg.IdleTimeout <= 0 {
		return nil
	}
	interval := max(s.cfg.IdleTimeout/5, 100*time.Millisecond)
	return every(ctx, interval, func() {
		if evicted := s.registry.SweepIdle(s.cfg.IdleTimeout); len(evicted) > 0 {
			s.logger.Infow("Evicted idle rooms", "rooms", evicted)
		}
	})
}

// healthSweepTask closes sockets that stopped sending and forgets stale rate
// limiter windows.
func (s *Server) healthSweepTask(ctx context.Context) error {
	if s.cfg.HeartbeatTimeout <= 0 {
		return nil
	}
	interval := max(s.cfg.HeartbeatTimeout/4, 100*time.Millisecond)
	return every(ctx, interval, func() {
		for _, id := range s.connectionHealth.GetInactiveConnections(s.cfg.HeartbeatTimeout) {
			if conn := s.connectionManager.GetConnection(id); conn != nil {
				player, _ := s.connectionManager.GetPlayer(id)
				s.logger.Infow("Closing inactive connection", "connection", id, "room", player.RoomID, "player", player.PlayerID)
				conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			}
			s.connectionHealth.RemoveConnection(id)
		}
		s.rateLimiter.Cleanup()
	})
}

// periodicSaveTask snapshots every room so the rooms table mirrors memory.
func (s *Server) periodicSaveTask(ctx context.Context) error {
	return every(ctx, s.cfg.SaveInterval, func() {
		saved, err := s.persistenceManager.SaveRooms(ctx, s.registry.Snapshot())
		if err != nil {
			s.logger.Errorf("Periodic save failed: %v", err)
			return
		}
		s.logger.Debugf("Periodic save completed: %d rooms persisted", saved)
	})
}

// cleanupTask deletes closed rooms older than RetainClosed.
func (s *Server) cleanupTask(ctx context.Context) error {
	return every(ctx, s.cfg.CleanupInterval, func() {
		deleted, err := s.persistenceManager.CleanupOldRooms(ctx, s.cfg.RetainClosed)
		if err != nil {
			s.logger.Errorf("Cleanup task failed: %v", err)
			return
		}
		if deleted > 0 {
			s.logger.Infof("Cleanup task: deleted %d old closed rooms", deleted)
		}
	})
}
