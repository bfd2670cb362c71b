package state

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Araujoacai/railtrack/internal/metrics"
	"github.com/Araujoacai/railtrack/internal/types"
)

// Palette holds the member colors handed out per room. A color is unique
// within a room while one is still free; after that assignment falls back
// to a random pick.
var Palette = []string{
	"#00D9FF", "#B24BF3", "#FF6B6B", "#4ECDC4", "#FFE66D",
	"#FF6F91", "#06FFA5", "#FF9A3C", "#A8FF3E", "#FF3CAC",
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeLength is the fixed length of a room code.
const CodeLength = 6

// codeRetryLimit bounds collision retries during code allocation. With a
// 36^6 keyspace and at most a handful of live rooms this never triggers in
// practice.
const codeRetryLimit = 100

// Config tunes the registry ceilings and the idle-room reaper.
type Config struct {
	MaxRooms     int
	MaxMembers   int
	Retention    time.Duration
	ReapInterval time.Duration
}

// DefaultConfig mirrors the production limits: 10 live rooms, 15 members
// per room, empty rooms retained for 5 hours, swept every minute.
func DefaultConfig() Config {
	return Config{
		MaxRooms:     10,
		MaxMembers:   15,
		Retention:    5 * time.Hour,
		ReapInterval: time.Minute,
	}
}

// Profile carries the validated identity a connection presents when
// creating or joining a room.
type Profile struct {
	UserID   string
	Username string
	Avatar   string
}

// Removal describes the outcome of deleting a member slot, including a
// host handoff when the removed member held destination authority.
type Removal struct {
	Code        string
	Member      types.Member
	HostChanged bool
	NewHostID   string
	Remaining   int
}

// JoinResult is returned by CreateRoom and JoinRoom. Members is a snapshot
// of the full room taken under the same lock as the mutation, so callers
// can broadcast without touching the registry again.
type JoinResult struct {
	Code        string
	Member      types.Member
	Members     []types.Member
	Destination *types.Destination
	IsHost      bool
	Rejoined    bool
	// ReplacedConnectionID is the previous connection id of a merged slot,
	// set only when Rejoined is true. Peers still key the member by it
	// until told otherwise.
	ReplacedConnectionID string
	// Displaced is set when a known identity entered a different room and
	// its previous slot was removed from the old one.
	Displaced *Removal
}

type room struct {
	code           string
	members        map[string]*types.Member
	hostID         string
	destination    *types.Destination
	createdAt      time.Time
	lastActivityAt time.Time
}

// Manager owns every room and member record. All mutations of shared room
// state go through it; callers only ever see cloned snapshots. A single
// RWMutex guards the whole registry, held for the full duration of each
// operation and never across I/O.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	connRoom map[string]string // connectionID -> room code
	identity map[string]string // userID -> room code
	clients  map[string]*types.WebSocketConnection

	cfg    Config
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = DefaultConfig().MaxRooms
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = DefaultConfig().MaxMembers
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Manager{
		rooms:    make(map[string]*room),
		connRoom: make(map[string]string),
		identity: make(map[string]string),
		clients:  make(map[string]*types.WebSocketConnection),
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// CreateRoom allocates a collision-free code, creates the room and seats
// the creator as its host. A UserID still seated elsewhere has that old
// slot removed, reported via JoinResult.Displaced.
func (m *Manager) CreateRoom(connID string, p Profile) (*JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, inRoom := m.connRoom[connID]; inRoom {
		return nil, ErrAlreadyInRoom
	}
	if len(m.rooms) >= m.cfg.MaxRooms {
		return nil, ErrServerFull
	}

	code, err := m.generateCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	displaced := m.displaceIdentity(p.UserID, code, now)

	r := &room{
		code:           code,
		members:        make(map[string]*types.Member),
		createdAt:      now,
		lastActivityAt: now,
	}
	m.rooms[code] = r

	member := m.seatMember(r, connID, p, now)
	r.hostID = connID
	m.publishGauges()

	m.logger.Info().
		Str("room", code).
		Str("conn", connID).
		Str("username", p.Username).
		Msg("room created")

	return &JoinResult{
		Code:      code,
		Member:    member.Clone(),
		Members:   r.snapshotMembers(),
		IsHost:    true,
		Displaced: displaced,
	}, nil
}

// JoinRoom adds a connection to an existing room. A profile whose UserID
// matches a current member of the same room resumes that slot (color,
// trail, location and join time carry over, host authority follows);
// reconnection is exempt from the member ceiling. A UserID last seen in a
// different room joins fresh here and its old slot is removed, reported
// via JoinResult.Displaced.
func (m *Manager) JoinRoom(code, connID string, p Profile) (*JoinResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, inRoom := m.connRoom[connID]; inRoom {
		return nil, ErrAlreadyInRoom
	}
	r, ok := m.rooms[code]
	if !ok {
		return nil, ErrRoomNotFound
	}

	now := time.Now()

	if prev := r.memberByUserID(p.UserID); prev != nil {
		// Same identity returning to the same room: swap the connection
		// slot, keep everything else. Indistinguishable from a continuous
		// session apart from the connection id.
		delete(r.members, prev.ConnectionID)
		delete(m.connRoom, prev.ConnectionID)

		member := &types.Member{
			ConnectionID: connID,
			UserID:       prev.UserID,
			Username:     p.Username,
			Avatar:       p.Avatar,
			Color:        prev.Color,
			Location:     prev.Location,
			Trail:        prev.Trail,
			JoinedAt:     prev.JoinedAt,
			Online:       true,
		}
		r.members[connID] = member
		if r.hostID == prev.ConnectionID || r.hostID == "" {
			r.hostID = connID
		}
		m.connRoom[connID] = code
		m.identity[p.UserID] = code
		r.lastActivityAt = now
		m.publishGauges()

		m.logger.Info().
			Str("room", code).
			Str("conn", connID).
			Str("username", p.Username).
			Msg("member resumed")

		return &JoinResult{
			Code:                 code,
			Member:               member.Clone(),
			Members:              r.snapshotMembers(),
			Destination:          r.destination,
			IsHost:               r.hostID == connID,
			Rejoined:             true,
			ReplacedConnectionID: prev.ConnectionID,
		}, nil
	}

	if len(r.members) >= m.cfg.MaxMembers {
		return nil, ErrRoomFull
	}

	displaced := m.displaceIdentity(p.UserID, code, now)

	member := m.seatMember(r, connID, p, now)
	if r.hostID == "" {
		r.hostID = connID
	}
	r.lastActivityAt = now
	m.publishGauges()

	m.logger.Info().
		Str("room", code).
		Str("conn", connID).
		Str("username", p.Username).
		Msg("member joined")

	return &JoinResult{
		Code:        code,
		Member:      member.Clone(),
		Members:     r.snapshotMembers(),
		Destination: r.destination,
		IsHost:      r.hostID == connID,
		Displaced:   displaced,
	}, nil
}

// UpdateLocation stores the latest fix and appends it to the member's
// trail, evicting the oldest point past the cap. Returns a snapshot of the
// updated member, or nil when the room or member is unknown.
func (m *Manager) UpdateLocation(code, connID string, loc types.Location) *types.Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}
	member, ok := r.members[connID]
	if !ok {
		return nil
	}

	member.Location = &loc
	member.Trail = append(member.Trail, types.TrailPoint{
		Lat:       loc.Lat,
		Lng:       loc.Lng,
		Timestamp: loc.Timestamp,
	})
	if len(member.Trail) > types.TrailLimit {
		member.Trail = member.Trail[len(member.Trail)-types.TrailLimit:]
	}
	r.lastActivityAt = time.Now()

	c := member.Clone()
	return &c
}

// RemoveMember deletes the member slot, re-electing a host when the
// departing member held authority. The room itself is kept even when it
// becomes empty; retention is the reaper's job.
func (m *Manager) RemoveMember(code, connID string) *Removal {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}
	return m.removeLocked(r, connID, time.Now())
}

func (m *Manager) removeLocked(r *room, connID string, now time.Time) *Removal {
	member, ok := r.members[connID]
	if !ok {
		return nil
	}
	delete(r.members, connID)
	delete(m.connRoom, connID)
	if member.UserID != "" && m.identity[member.UserID] == r.code {
		delete(m.identity, member.UserID)
	}

	removal := &Removal{
		Code:      r.code,
		Member:    member.Clone(),
		Remaining: len(r.members),
	}

	if r.hostID == connID {
		r.hostID = r.electHost()
		if r.hostID != "" {
			removal.HostChanged = true
			removal.NewHostID = r.hostID
			m.logger.Info().
				Str("room", r.code).
				Str("conn", r.hostID).
				Msg("host changed")
		}
	}
	r.lastActivityAt = now
	m.publishGauges()

	m.logger.Info().
		Str("room", r.code).
		Str("conn", connID).
		Str("username", member.Username).
		Int("remaining", removal.Remaining).
		Msg("member left")

	return removal
}

// SetDestination replaces (or clears, with nil) the shared destination.
// Returns false when connID is not the room's current host; the room state
// is untouched in that case.
func (m *Manager) SetDestination(code, connID string, dest *types.Destination) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[code]
	if !ok || r.hostID != connID {
		return false
	}
	r.destination = dest
	r.lastActivityAt = time.Now()
	return true
}

// IsHost reports whether connID currently holds destination authority in
// the room.
func (m *Manager) IsHost(code, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	return ok && connID != "" && r.hostID == connID
}

// RoomExists reports whether a room with the given code is live.
func (m *Manager) RoomExists(code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[code]
	return ok
}

// Member returns a snapshot of a single member, or nil when unknown.
func (m *Manager) Member(code, connID string) *types.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	if !ok {
		return nil
	}
	member, ok := r.members[connID]
	if !ok {
		return nil
	}
	c := member.Clone()
	return &c
}

// Snapshot returns cloned members plus the active destination.
func (m *Manager) Snapshot(code string) ([]types.Member, *types.Destination) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[code]
	if !ok {
		return nil, nil
	}
	return r.snapshotMembers(), r.destination
}

// Stats returns aggregate room and member counts.
func (m *Manager) Stats() types.ServerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, r := range m.rooms {
		total += len(r.members)
	}
	return types.ServerStats{TotalRooms: len(m.rooms), TotalMembers: total}
}

// AddClient registers a live transport for fan-out.
func (m *Manager) AddClient(connID string, conn *types.WebSocketConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[connID] = conn
}

// RemoveClient deregisters a transport.
func (m *Manager) RemoveClient(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.clients, connID)
}

// GetClient returns the live transport for a connection.
func (m *Manager) GetClient(connID string) (*types.WebSocketConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.clients[connID]
	return conn, ok
}

// ClientsFor resolves the live transports of every current member of a
// room, excluding connection ids listed in except. The result is safe to
// use without the registry lock.
func (m *Manager) ClientsFor(code string, except ...string) []*types.WebSocketConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil
	}
	conns := make([]*types.WebSocketConnection, 0, len(r.members))
	for connID := range r.members {
		if contains(except, connID) {
			continue
		}
		if conn, ok := m.clients[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

// StartReaper launches the idle-room sweep loop.
func (m *Manager) StartReaper() {
	m.wg.Add(1)
	go m.reapLoop()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep deletes every empty room whose last activity is older than the
// retention window. Rooms with members are never swept. Returns the number
// of rooms reaped.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	reaped := 0
	for code, r := range m.rooms {
		if len(r.members) > 0 {
			continue
		}
		if now.Sub(r.lastActivityAt) <= m.cfg.Retention {
			continue
		}
		delete(m.rooms, code)
		reaped++
		metrics.RoomsReaped.Inc()
		m.logger.Info().Str("room", code).Msg("idle room reaped")
	}
	m.publishGauges()
	return reaped
}

// publishGauges refreshes the room/member gauges. Caller holds the lock.
func (m *Manager) publishGauges() {
	members := 0
	for _, r := range m.rooms {
		members += len(r.members)
	}
	metrics.RoomsActive.Set(float64(len(m.rooms)))
	metrics.MembersActive.Set(float64(members))
}

// Stop terminates the reaper loop and waits for it to finish.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// displaceIdentity removes the slot a known identity holds in any room
// other than newCode, so one identity is never seated in two rooms at
// once. Caller holds the write lock.
func (m *Manager) displaceIdentity(userID, newCode string, now time.Time) *Removal {
	if userID == "" {
		return nil
	}
	oldCode, ok := m.identity[userID]
	if !ok || oldCode == newCode {
		return nil
	}
	old := m.rooms[oldCode]
	if old == nil {
		return nil
	}
	prev := old.memberByUserID(userID)
	if prev == nil {
		return nil
	}
	return m.removeLocked(old, prev.ConnectionID, now)
}

// seatMember creates a fresh member slot. Caller holds the write lock.
func (m *Manager) seatMember(r *room, connID string, p Profile, now time.Time) *types.Member {
	member := &types.Member{
		ConnectionID: connID,
		UserID:       p.UserID,
		Username:     p.Username,
		Avatar:       p.Avatar,
		Color:        r.assignColor(),
		Trail:        []types.TrailPoint{},
		JoinedAt:     now,
		Online:       true,
	}
	r.members[connID] = member
	m.connRoom[connID] = r.code
	if p.UserID != "" {
		m.identity[p.UserID] = r.code
	}
	return member
}

func (m *Manager) generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	for attempt := 0; attempt < codeRetryLimit; attempt++ {
		for i := range buf {
			buf[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
		}
		code := string(buf)
		if _, taken := m.rooms[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

func (r *room) memberByUserID(userID string) *types.Member {
	if userID == "" {
		return nil
	}
	for _, member := range r.members {
		if member.UserID == userID {
			return member
		}
	}
	return nil
}

func (r *room) assignColor() string {
	used := make(map[string]bool, len(r.members))
	for _, member := range r.members {
		used[member.Color] = true
	}
	for _, color := range Palette {
		if !used[color] {
			return color
		}
	}
	return Palette[rand.IntN(len(Palette))]
}

// electHost picks the member with the earliest join time, breaking ties by
// connection id so the election never depends on map iteration order.
func (r *room) electHost() string {
	hostID := ""
	var hostJoined time.Time
	for connID, member := range r.members {
		if hostID == "" ||
			member.JoinedAt.Before(hostJoined) ||
			(member.JoinedAt.Equal(hostJoined) && connID < hostID) {
			hostID = connID
			hostJoined = member.JoinedAt
		}
	}
	return hostID
}

// snapshotMembers clones the member set sorted by join time (connection id
// as tie-break) for stable ordering.
func (r *room) snapshotMembers() []types.Member {
	members := make([]types.Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member.Clone())
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ConnectionID < members[j].ConnectionID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
