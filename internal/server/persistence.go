package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lobby-server/internal/game"
	"lobby-server/internal/lobby"
	"lobby-server/internal/realtime"
)

const (
	journalBuffer     = 1024
	journalBatchSize  = 100
	journalFlushEvery = 500 * time.Millisecond
)

// PersistenceManager stores room snapshots and the per-room action journal.
// It implements realtime.Journal: Record queues entries and Run writes them.
type PersistenceManager struct {
	db      *sql.DB
	logger  *zap.SugaredLogger
	entries chan realtime.Entry
	dropped atomic.Int64
}

func NewPersistenceManager(db *sql.DB, lg *zap.SugaredLogger) *PersistenceManager {
	return &PersistenceManager{
		db:      db,
		logger:  lg,
		entries: make(chan realtime.Entry, journalBuffer),
	}
}

// Record never blocks. When the queue is full the entry is counted as dropped.
func (pm *PersistenceManager) Record(e realtime.Entry) {
	select {
	case pm.entries <- e:
	default:
		pm.dropped.Add(1)
	}
}

// Dropped reports how many journal entries were lost to a full queue.
func (pm *PersistenceManager) Dropped() int64 {
	return pm.dropped.Load()
}

// Run writes queued journal entries in batches until ctx is done, then
// writes whatever is still queued.
func (pm *PersistenceManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(journalFlushEvery)
	defer ticker.Stop()

	batch := make([]realtime.Entry, 0, journalBatchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := pm.writeEntries(context.WithoutCancel(ctx), batch); err != nil {
			pm.logger.Errorf("Journal write failed (%d entries): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			write()
			if err := pm.Flush(context.WithoutCancel(ctx)); err != nil {
				pm.logger.Errorf("Final journal flush failed: %v", err)
			}
			return nil
		case e := <-pm.entries:
			batch = append(batch, e)
			if len(batch) >= journalBatchSize {
				write()
			}
		case <-ticker.C:
			write()
		}
	}
}

// Flush writes whatever is queued right now.
func (pm *PersistenceManager) Flush(ctx context.Context) error {
	var batch []realtime.Entry
	for {
		select {
		case e := <-pm.entries:
			batch = append(batch, e)
			continue
		default:
		}
		break
	}
	if len(batch) == 0 {
		return nil
	}
	return pm.writeEntries(ctx, batch)
}

func (pm *PersistenceManager) writeEntries(ctx context.Context, entries []realtime.Entry) error {
	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO room_actions (room_id, sequence, kind, player, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id, sequence) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare journal insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		var payload any
		if len(e.Payload) > 0 && json.Valid(e.Payload) {
			payload = string(e.Payload)
		}
		if _, err := stmt.ExecContext(ctx, int64(e.Room), int64(e.Sequence), string(e.Kind), string(e.Player), payload, e.At); err != nil {
			return fmt.Errorf("failed to record action %d/%d: %w", e.Room, e.Sequence, err)
		}
	}
	return tx.Commit()
}

// LoadActions returns up to limit journal entries of room with a sequence
// greater than after, in sequence order.
func (pm *PersistenceManager) LoadActions(ctx context.Context, room lobby.RoomID, after uint64, limit int) ([]realtime.Entry, error) {
	rows, err := pm.db.QueryContext(ctx, `
		SELECT sequence, kind, player, payload, recorded_at
		FROM room_actions
		WHERE room_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3
	`, int64(room), int64(after), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions of room %d: %w", room, err)
	}
	defer rows.Close()

	entries := make([]realtime.Entry, 0)
	for rows.Next() {
		var (
			e       realtime.Entry
			seq     int64
			kind    string
			player  string
			payload []byte
		)
		if err := rows.Scan(&seq, &kind, &player, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		e.Room = room
		e.Sequence = uint64(seq)
		e.Kind = game.Kind(kind)
		e.Player = lobby.PlayerID(player)
		if len(payload) > 0 {
			e.Payload = json.RawMessage(payload)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action rows: %w", err)
	}
	return entries, nil
}

// SaveRooms upserts every room in rooms and marks rows of rooms that no
// longer exist in memory as closed. It returns the number of rooms written.
func (pm *PersistenceManager) SaveRooms(ctx context.Context, rooms []lobby.RoomInfo) (int, error) {
	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(rooms))
	for _, info := range rooms {
		members, err := json.Marshal(info.Members)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize members of room %d: %w", info.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rooms (id, name, max_players, game_type, status, members, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				status = EXCLUDED.status,
				members = EXCLUDED.members,
				updated_at = EXCLUDED.updated_at
		`, int64(info.ID), info.Name, info.MaxPlayers, string(info.GameType), info.Status.String(),
			string(members), info.CreatedAt, info.LastActivity)
		if err != nil {
			return 0, fmt.Errorf("failed to save room %d: %w", info.ID, err)
		}
		ids = append(ids, int64(info.ID))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE rooms SET status = $1, updated_at = $2
		WHERE status <> $1 AND NOT (id = ANY($3))
	`, lobby.StatusClosed.String(), time.Now(), ids)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale rooms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return len(rooms), nil
}

// LoadRoom returns the last saved snapshot of a room.
func (pm *PersistenceManager) LoadRoom(ctx context.Context, id lobby.RoomID) (lobby.RoomInfo, error) {
	var (
		info     lobby.RoomInfo
		gameType string
		status   string
		members  []byte
	)
	err := pm.db.QueryRowContext(ctx, `
		SELECT name, max_players, game_type, status, members, created_at, updated_at
		FROM rooms WHERE id = $1
	`, int64(id)).Scan(&info.Name, &info.MaxPlayers, &gameType, &status, &members, &info.CreatedAt, &info.LastActivity)
	if err == sql.ErrNoRows {
		return lobby.RoomInfo{}, lobby.ErrNotFound
	}
	if err != nil {
		return lobby.RoomInfo{}, fmt.Errorf("failed to load room %d: %w", id, err)
	}

	info.ID = id
	info.GameType = lobby.GameType(gameType)
	if info.Status, err = lobby.ParseStatus(status); err != nil {
		return lobby.RoomInfo{}, fmt.Errorf("room %d: %w", id, err)
	}
	if err := json.Unmarshal(members, &info.Members); err != nil {
		return lobby.RoomInfo{}, fmt.Errorf("failed to deserialize members of room %d: %w", id, err)
	}
	return info, nil
}

// CleanupOldRooms deletes closed rooms, and their journal, whose last update
// is older than olderThan.
func (pm *PersistenceManager) CleanupOldRooms(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	tx, err := pm.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM room_actions WHERE room_id IN (
			SELECT id FROM rooms WHERE status = $1 AND updated_at < $2
		)
	`, lobby.StatusClosed.String(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old actions: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE status = $1 AND updated_at < $2`,
		lobby.StatusClosed.String(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old rooms: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check cleanup result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return int(deleted), nil
}

// NextRoomID returns an id above every id already stored, so a restarted
// server never reuses a room id that has journal rows.
func (pm *PersistenceManager) NextRoomID(ctx context.Context) (lobby.RoomID, error) {
	var maxID int64
	err := pm.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(id) FROM rooms), 0),
			COALESCE((SELECT MAX(room_id) FROM room_actions), 0)
		)
	`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to read highest room id: %w", err)
	}
	return lobby.RoomID(maxID + 1), nil
}
