package lobby

import (
	"cmp"
	"iter"
	"slices"
	"sync"
	"time"
)

const DefaultGracePeriod = 30 * time.Second

// Listener observes membership changes. Calls for one room arrive in the
// order the registry applied them and are made while registry locks are held,
// so implementations must not block or call back into the registry.
type Listener interface {
	RoomCreated(info RoomInfo)
	MemberJoined(room RoomID, player PlayerID)
	MemberLeft(room RoomID, player PlayerID)
	ConnectionChanged(room RoomID, player PlayerID, connected bool)
	RoomEvicted(room RoomID)
}

type nopListener struct{}

func (nopListener) RoomCreated(RoomInfo)                     {}
func (nopListener) MemberJoined(RoomID, PlayerID)            {}
func (nopListener) MemberLeft(RoomID, PlayerID)              {}
func (nopListener) ConnectionChanged(RoomID, PlayerID, bool) {}
func (nopListener) RoomEvicted(RoomID)                       {}

// Registry is the authoritative table of rooms and seats. Every membership
// change goes through it; admission is serialized per room, never globally.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[RoomID]*room
	nextID   RoomID
	listener Listener

	gracePeriod time.Duration
	now         func() time.Time
}

type Option func(*Registry)

// WithGracePeriod sets how long a disconnected (or never connected) seat is
// held before the player is removed.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) { r.gracePeriod = d }
}

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithFirstRoomID makes id allocation start at first, so ids stay unique
// against rooms recorded by an earlier process.
func WithFirstRoomID(first RoomID) Option {
	return func(r *Registry) {
		if first > 0 {
			r.nextID = first
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:       make(map[RoomID]*room),
		nextID:      1,
		listener:    nopListener{},
		gracePeriod: DefaultGracePeriod,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetListener installs the observer for membership changes. Call it before
// any room is created.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	r.listener = l
}

func (r *Registry) GracePeriod() time.Duration {
	return r.gracePeriod
}

func (r *Registry) CreateRoom(name string, maxPlayers int, gameType GameType) (RoomID, error) {
	return r.createRoom("", name, maxPlayers, gameType)
}

// CreateRoomFor creates a room with creator already seated as its first
// member. The room is unreachable until the seat is taken, so no other
// admission can come before the creator's.
func (r *Registry) CreateRoomFor(creator PlayerID, name string, maxPlayers int, gameType GameType) (RoomID, error) {
	if err := ValidatePlayerID(creator); err != nil {
		return 0, err
	}
	return r.createRoom(creator, name, maxPlayers, gameType)
}

func (r *Registry) createRoom(creator PlayerID, name string, maxPlayers int, gameType GameType) (RoomID, error) {
	rules, ok := gameType.Rules()
	if !ok {
		return 0, &ValidationError{Field: "gameType", Message: "unknown game type \"" + string(gameType) + "\""}
	}
	if maxPlayers < 1 {
		return 0, &ValidationError{Field: "maxPlayers", Message: "must be at least 1"}
	}
	if maxPlayers > rules.MaxPlayers {
		return 0, &ValidationError{Field: "maxPlayers", Message: "exceeds the limit for " + string(gameType)}
	}
	name = NormalizeRoomName(name)
	if err := ValidateRoomName(name); err != nil {
		return 0, err
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	if name == "" {
		name = defaultRoomName(id)
	}
	rm := &room{
		id:           id,
		name:         name,
		maxPlayers:   maxPlayers,
		gameType:     gameType,
		status:       StatusOpen,
		createdAt:    now,
		lastActivity: now,
	}
	// Announced before the room becomes reachable, so no membership event
	// for it can precede its creation.
	r.listener.RoomCreated(rm.info())

	if creator != "" {
		m := &member{player: creator, joinedAt: now}
		rm.members = append(rm.members, m)
		if len(rm.members) == rm.maxPlayers {
			rm.status = StatusFull
		}
		r.armGrace(rm, m)
		r.listener.MemberJoined(id, creator)
	}

	r.rooms[id] = rm
	return id, nil
}

func (r *Registry) lookup(id RoomID) (*room, Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return rm, r.listener, nil
}

func (r *Registry) GetRoom(id RoomID) (RoomInfo, error) {
	rm, _, err := r.lookup(id)
	if err != nil {
		return RoomInfo{}, err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.evicted {
		return RoomInfo{}, ErrNotFound
	}
	return rm.info(), nil
}

// IsMember reports whether player holds a seat in the room.
func (r *Registry) IsMember(id RoomID, player PlayerID) bool {
	rm, _, err := r.lookup(id)
	if err != nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return !rm.evicted && rm.indexOf(player) >= 0
}

// sortedRooms returns the current rooms ordered by id (oldest first).
func (r *Registry) sortedRooms() []*room {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *room) int {
		return cmp.Compare(a.id, b.id)
	})
	return rooms
}

// ListOpenRooms captures the non-closed rooms at the moment of the call. The
// returned sequence ranges over that capture and can be ranged again; it does
// not follow later changes.
func (r *Registry) ListOpenRooms() iter.Seq[RoomSummary] {
	rooms := r.sortedRooms()
	summaries := make([]RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.evicted && rm.status != StatusClosed {
			summaries = append(summaries, rm.info().Summary())
		}
		rm.mu.Unlock()
	}

	return func(yield func(RoomSummary) bool) {
		for _, s := range summaries {
			if !yield(s) {
				return
			}
		}
	}
}

// Snapshot copies every live room, closed ones included.
func (r *Registry) Snapshot() []RoomInfo {
	rooms := r.sortedRooms()
	infos := make([]RoomInfo, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.evicted {
			infos = append(infos, rm.info())
		}
		rm.mu.Unlock()
	}
	return infos
}

// AdmitPlayer is the only way into a room. The capacity check and the insert
// happen under the room lock, so concurrent admissions cannot overfill it.
// A new seat starts disconnected and is released after the grace period
// unless a channel binds to it.
func (r *Registry) AdmitPlayer(id RoomID, player PlayerID) error {
	if err := ValidatePlayerID(player); err != nil {
		return err
	}
	rm, listener, err := r.lookup(id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return ErrNotFound
	}
	if rm.indexOf(player) >= 0 {
		return ErrAlreadyMember
	}
	switch rm.status {
	case StatusClosed, StatusInProgress:
		return ErrRoomClosed
	case StatusFull:
		return ErrRoomFull
	}
	if len(rm.members) >= rm.maxPlayers {
		return ErrRoomFull
	}

	now := r.now()
	m := &member{
		player:   player,
		joinedAt: now,
	}
	rm.members = append(rm.members, m)
	rm.lastActivity = now
	if len(rm.members) == rm.maxPlayers {
		rm.status = StatusFull
	}
	r.armGrace(rm, m)

	listener.MemberJoined(rm.id, player)
	return nil
}

// RemovePlayer frees the player's seat. A room left without members is
// closed and evicted.
func (r *Registry) RemovePlayer(id RoomID, player PlayerID) error {
	rm, listener, err := r.lookup(id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return ErrNotFound
	}
	idx := rm.indexOf(player)
	if idx < 0 {
		return ErrNotMember
	}
	r.removeLocked(rm, listener, idx)
	return nil
}

// removeLocked must be called with rm.mu held.
func (r *Registry) removeLocked(rm *room, listener Listener, idx int) {
	m := rm.members[idx]
	m.stopGrace()
	rm.members = slices.Delete(rm.members, idx, idx+1)
	rm.lastActivity = r.now()

	listener.MemberLeft(rm.id, m.player)

	if len(rm.members) == 0 {
		rm.status = StatusClosed
		r.evictLocked(rm, listener)
		return
	}
	if rm.status == StatusFull {
		rm.status = StatusOpen
	}
}

// evictLocked must be called with rm.mu held.
func (r *Registry) evictLocked(rm *room, listener Listener) {
	if rm.evicted {
		return
	}
	rm.evicted = true
	for _, m := range rm.members {
		m.stopGrace()
	}

	r.mu.Lock()
	delete(r.rooms, rm.id)
	r.mu.Unlock()

	listener.RoomEvicted(rm.id)
}

// StartRoom moves the room to InProgress. It needs a full room or at least
// the game type's minimum number of players.
func (r *Registry) StartRoom(id RoomID) error {
	rm, _, err := r.lookup(id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return ErrNotFound
	}
	switch rm.status {
	case StatusInProgress:
		return ErrAlreadyStarted
	case StatusClosed:
		return ErrRoomClosed
	}
	rules, _ := rm.gameType.Rules()
	if rm.status != StatusFull && len(rm.members) < rules.MinPlayers {
		return ErrNotEnoughPlayers
	}

	rm.status = StatusInProgress
	rm.lastActivity = r.now()
	return nil
}

// CloseRoom ends the room. Remaining members keep their seats until they
// leave, their grace period runs out, or the last connected one drops; an
// empty room is evicted at once.
func (r *Registry) CloseRoom(id RoomID) error {
	rm, listener, err := r.lookup(id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return ErrNotFound
	}
	rm.status = StatusClosed
	rm.lastActivity = r.now()
	if len(rm.members) == 0 {
		r.evictLocked(rm, listener)
	}
	return nil
}

// BindConnection attaches a live connection to the player's seat and cancels
// any pending grace removal. It returns the connection id it replaced, if any.
func (r *Registry) BindConnection(id RoomID, player PlayerID, connectionID string) (string, error) {
	rm, listener, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return "", ErrNotFound
	}
	idx := rm.indexOf(player)
	if idx < 0 {
		return "", ErrNotMember
	}

	m := rm.members[idx]
	previous := m.connectionID
	m.stopGrace()
	m.generation++
	m.connectionID = connectionID
	rm.lastActivity = r.now()

	if previous == "" {
		listener.ConnectionChanged(rm.id, player, true)
	}
	return previous, nil
}

// MarkDisconnected clears the binding if connectionID is still the live one
// and starts the grace period. A stale connection id is ignored.
func (r *Registry) MarkDisconnected(id RoomID, player PlayerID, connectionID string) error {
	rm, listener, err := r.lookup(id)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return ErrNotFound
	}
	idx := rm.indexOf(player)
	if idx < 0 {
		return ErrNotMember
	}

	m := rm.members[idx]
	if m.connectionID != connectionID {
		return nil
	}
	m.connectionID = ""
	m.generation++
	rm.lastActivity = r.now()
	r.armGrace(rm, m)

	listener.ConnectionChanged(rm.id, player, false)

	if rm.status == StatusClosed && rm.connectedCount() == 0 {
		r.dissolveLocked(rm, listener)
	}
	return nil
}

// dissolveLocked releases every seat and evicts the room. It must be called
// with rm.mu held.
func (r *Registry) dissolveLocked(rm *room, listener Listener) {
	for len(rm.members) > 0 {
		m := rm.members[len(rm.members)-1]
		m.stopGrace()
		rm.members = rm.members[:len(rm.members)-1]
		listener.MemberLeft(rm.id, m.player)
	}
	rm.status = StatusClosed
	r.evictLocked(rm, listener)
}

// armGrace must be called with rm.mu held.
func (r *Registry) armGrace(rm *room, m *member) {
	m.stopGrace()
	generation := m.generation
	id, player := rm.id, m.player
	m.grace = time.AfterFunc(r.gracePeriod, func() {
		r.expireSeat(id, player, generation)
	})
}

func (r *Registry) expireSeat(id RoomID, player PlayerID, generation uint64) {
	rm, listener, err := r.lookup(id)
	if err != nil {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.evicted {
		return
	}
	idx := rm.indexOf(player)
	if idx < 0 {
		return
	}
	m := rm.members[idx]
	if m.generation != generation || m.connectionID != "" {
		return
	}
	r.removeLocked(rm, listener, idx)
}

// SweepIdle closes and evicts rooms that have no connected member and have
// seen no activity for longer than idle. It returns the evicted ids.
func (r *Registry) SweepIdle(idle time.Duration) []RoomID {
	cutoff := r.now().Add(-idle)
	var evicted []RoomID

	for _, rm := range r.sortedRooms() {
		r.mu.RLock()
		listener := r.listener
		r.mu.RUnlock()

		rm.mu.Lock()
		if !rm.evicted && rm.connectedCount() == 0 && rm.lastActivity.Before(cutoff) {
			r.dissolveLocked(rm, listener)
			evicted = append(evicted, rm.id)
		}
		rm.mu.Unlock()
	}
	return evicted
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
