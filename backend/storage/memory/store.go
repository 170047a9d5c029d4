package memory

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/model"
)

const (
	defaultIdleThreshold = time.Hour
	defaultSweepInterval = 30 * time.Minute
)

var (
	ErrRoomIsFull      = errors.New("room is full")
	ErrRoomNotFound    = errors.New("room is not found")
	ErrNoSeatAvailable = errors.New("no seat available")
	ErrNotAMember      = errors.New("participant is not a member of this room")
	ErrStaleConnection = errors.New("connection handle is stale")
)

// MemStore is the authoritative in-memory room registry. It owns all Room
// state; every mutation of one room is serialized on that room's lock, while
// operations on different rooms proceed independently.
type MemStore struct {
	mx     sync.Mutex
	db     map[string]*roomState
	clock  clockwork.Clock
	rnd    *rand.Rand
	logger zerolog.Logger

	idleThreshold time.Duration
	sweepInterval time.Duration
}

type roomState struct {
	mx      sync.Mutex
	room    model.Room
	deleted bool
}

type Config struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	// Rand drives host succession. Tests seed it for determinism.
	Rand *rand.Rand

	IdleThreshold time.Duration
	SweepInterval time.Duration
}

func NewMemStore(cfg Config) *MemStore {
	ms := &MemStore{
		db:            make(map[string]*roomState),
		clock:         cfg.Clock,
		rnd:           cfg.Rand,
		logger:        cfg.Logger.With().Str("component", "room-store").Logger(),
		idleThreshold: cfg.IdleThreshold,
		sweepInterval: cfg.SweepInterval,
	}
	if ms.clock == nil {
		ms.clock = clockwork.NewRealClock()
	}
	if ms.rnd == nil {
		ms.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if ms.idleThreshold <= 0 {
		ms.idleThreshold = defaultIdleThreshold
	}
	if ms.sweepInterval <= 0 {
		ms.sweepInterval = defaultSweepInterval
	}
	return ms
}

// JoinResult describes the outcome of a join as seen by the joining
// participant plus the host transition the caller must announce.
type JoinResult struct {
	Seat         model.Seat
	Occupants    []model.OccupantInfo
	HostID       string
	IsPerforming bool
	Rejoined     bool
	BecameHost   bool
}

// LeaveResult carries what the caller needs to broadcast after a departure.
type LeaveResult struct {
	Seat      model.Seat
	WasHost   bool
	NewHostID string
	RoomEmpty bool
}

// CreateOrJoinRoom admits a participant, creating the room on first join.
// Rejoining with a known participant id updates the connection handle and
// mutable attributes without reassigning the seat. The first occupant of an
// empty room always becomes host.
func (ms *MemStore) CreateOrJoinRoom(roomID, userID, connID, displayName, instrument string) (JoinResult, error) {
	for {
		rs := ms.getOrCreate(roomID)
		rs.mx.Lock()
		if rs.deleted {
			rs.mx.Unlock()
			continue // lost a race with room deletion, take a fresh instance
		}
		res, err := ms.joinLocked(rs, userID, connID, displayName, instrument)
		rs.mx.Unlock()
		return res, err
	}
}

func (ms *MemStore) getOrCreate(roomID string) *roomState {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rs, ok := ms.db[roomID]
	if !ok {
		now := ms.clock.Now()
		rs = &roomState{
			room: model.Room{
				ID:             roomID,
				Occupants:      make(map[string]*model.Participant),
				SeatAssignment: make(map[model.Seat]string),
				CreatedAt:      now,
				LastActivityAt: now,
			},
		}
		ms.db[roomID] = rs
	}
	return rs
}

func (ms *MemStore) joinLocked(rs *roomState, userID, connID, displayName, instrument string) (JoinResult, error) {
	room := &rs.room
	room.LastActivityAt = ms.clock.Now()

	if occ, ok := room.Occupants[userID]; ok {
		if connID != "" {
			occ.ConnID = connID
		}
		if displayName != "" {
			occ.DisplayName = displayName
		}
		if instrument != "" {
			occ.Instrument = instrument
		}
		return JoinResult{
			Seat:         occ.Seat,
			Occupants:    occupantList(room),
			HostID:       room.HostID,
			IsPerforming: room.IsPerforming,
			Rejoined:     true,
		}, nil
	}

	if len(room.Occupants) >= model.RoomCapacity {
		return JoinResult{}, ErrRoomIsFull
	}

	// The founding occupant stays in the reserved self position and gets no
	// assignable seat; everyone after needs a free one.
	var seat model.Seat
	if len(room.Occupants) > 0 {
		var ok bool
		seat, ok = freeSeat(room)
		if !ok {
			return JoinResult{}, ErrNoSeatAvailable
		}
	}

	room.Occupants[userID] = &model.Participant{
		ID:          userID,
		ConnID:      connID,
		Seat:        seat,
		DisplayName: displayName,
		Instrument:  instrument,
		JoinedAt:    ms.clock.Now(),
	}
	if seat != "" {
		room.SeatAssignment[seat] = userID
	}

	var becameHost bool
	if room.HostID == "" {
		room.HostID = userID
		becameHost = true
		ms.logger.Debug().
			Str("roomID", room.ID).
			Str("hostID", userID).
			Msg("first occupant assigned as host")
	}

	return JoinResult{
		Seat:         seat,
		Occupants:    occupantList(room),
		HostID:       room.HostID,
		IsPerforming: room.IsPerforming,
		BecameHost:   becameHost,
	}, nil
}

// freeSeat picks the first unassigned seat in grid order. The self seat is
// not part of the assignable set and can never be chosen.
func freeSeat(room *model.Room) (model.Seat, bool) {
	for _, seat := range model.AssignableSeats() {
		if _, used := room.SeatAssignment[seat]; !used {
			return seat, true
		}
	}
	return "", false
}

// LeaveRoom removes a participant, frees the seat and, when the departing
// participant held host rights, elects a successor uniformly at random among
// the remaining occupants. An emptied room is deleted immediately.
//
// A non-empty connID must match the occupant's current handle: a teardown
// racing a reconnect fails with ErrStaleConnection instead of evicting the
// freshly reconnected participant. An empty connID leaves unconditionally.
func (ms *MemStore) LeaveRoom(roomID, userID, connID string) (LeaveResult, error) {
	ms.mx.Lock()
	rs, ok := ms.db[roomID]
	if !ok {
		ms.mx.Unlock()
		return LeaveResult{}, ErrRoomNotFound
	}
	rs.mx.Lock()

	room := &rs.room
	occ, ok := room.Occupants[userID]
	if !ok {
		rs.mx.Unlock()
		ms.mx.Unlock()
		return LeaveResult{}, ErrNotAMember
	}
	if connID != "" && occ.ConnID != connID {
		rs.mx.Unlock()
		ms.mx.Unlock()
		return LeaveResult{}, ErrStaleConnection
	}

	res := LeaveResult{Seat: occ.Seat, WasHost: room.HostID == userID}

	if occ.Seat != "" {
		delete(room.SeatAssignment, occ.Seat)
	}
	delete(room.Occupants, userID)
	room.LastActivityAt = ms.clock.Now()

	if len(room.Occupants) == 0 {
		rs.deleted = true
		delete(ms.db, roomID)
		res.RoomEmpty = true
		room.HostID = ""
		rs.mx.Unlock()
		ms.mx.Unlock()
		ms.logger.Debug().Str("roomID", roomID).Msg("room emptied and removed")
		return res, nil
	}
	ms.mx.Unlock()

	if res.WasHost {
		room.HostID = ms.electHost(room)
		res.NewHostID = room.HostID
		ms.logger.Debug().
			Str("roomID", roomID).
			Str("hostID", room.HostID).
			Msg("host succession")
	}
	rs.mx.Unlock()
	return res, nil
}

// electHost picks uniformly at random among current occupants. Iterating a
// sorted id slice keeps the choice reproducible under a seeded Rand.
func (ms *MemStore) electHost(room *model.Room) string {
	ids := make([]string, 0, len(room.Occupants))
	for id := range room.Occupants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[ms.rnd.Intn(len(ids))]
}

func (ms *MemStore) GetSnapshot(roomID string) (model.RoomSnapshotPayload, error) {
	rs, err := ms.get(roomID)
	if err != nil {
		return model.RoomSnapshotPayload{}, err
	}
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return model.RoomSnapshotPayload{
		RoomID:       rs.room.ID,
		Occupants:    occupantList(&rs.room),
		HostID:       rs.room.HostID,
		IsPerforming: rs.room.IsPerforming,
	}, nil
}

// GetMember resolves a participant's membership, for relay-side checks.
func (ms *MemStore) GetMember(roomID, userID string) (model.Participant, error) {
	rs, err := ms.get(roomID)
	if err != nil {
		return model.Participant{}, err
	}
	rs.mx.Lock()
	defer rs.mx.Unlock()
	occ, ok := rs.room.Occupants[userID]
	if !ok {
		return model.Participant{}, ErrNotAMember
	}
	return *occ, nil
}

// SetPerforming flips the room-wide performance toggle and reports whether
// the value actually changed, so callers can detect state conflicts.
func (ms *MemStore) SetPerforming(roomID string, on bool) (bool, error) {
	rs, err := ms.get(roomID)
	if err != nil {
		return false, err
	}
	rs.mx.Lock()
	defer rs.mx.Unlock()
	if rs.room.IsPerforming == on {
		return false, nil
	}
	rs.room.IsPerforming = on
	rs.room.LastActivityAt = ms.clock.Now()
	return true, nil
}

// Touch refreshes a room's activity time. Called on relayed events so active
// rooms survive the idle sweep.
func (ms *MemStore) Touch(roomID string) {
	rs, err := ms.get(roomID)
	if err != nil {
		return
	}
	rs.mx.Lock()
	rs.room.LastActivityAt = ms.clock.Now()
	rs.mx.Unlock()
}

func (ms *MemStore) get(roomID string) (*roomState, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	rs, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rs, nil
}

type RoomInfo struct {
	ID             string    `json:"room_id"`
	UserCount      int       `json:"user_count"`
	IsFull         bool      `json:"is_full"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (ms *MemStore) GetRoomInfo(roomID string) (RoomInfo, error) {
	rs, err := ms.get(roomID)
	if err != nil {
		return RoomInfo{}, err
	}
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return roomInfoLocked(&rs.room), nil
}

type Stats struct {
	TotalRooms int        `json:"total_rooms"`
	Rooms      []RoomInfo `json:"rooms"`
}

func (ms *MemStore) GetStats() Stats {
	ms.mx.Lock()
	states := make([]*roomState, 0, len(ms.db))
	for _, rs := range ms.db {
		states = append(states, rs)
	}
	ms.mx.Unlock()

	stats := Stats{TotalRooms: len(states), Rooms: make([]RoomInfo, 0, len(states))}
	for _, rs := range states {
		rs.mx.Lock()
		stats.Rooms = append(stats.Rooms, roomInfoLocked(&rs.room))
		rs.mx.Unlock()
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].ID < stats.Rooms[j].ID })
	return stats
}

func roomInfoLocked(room *model.Room) RoomInfo {
	return RoomInfo{
		ID:             room.ID,
		UserCount:      len(room.Occupants),
		IsFull:         len(room.Occupants) >= model.RoomCapacity,
		CreatedAt:      room.CreatedAt,
		LastActivityAt: room.LastActivityAt,
	}
}

// Run performs the periodic idle sweep until ctx is cancelled. Empty rooms
// are already removed eagerly on leave, so this is advisory cleanup for rooms
// whose occupants vanished without their connections ever closing.
func (ms *MemStore) Run(ctx context.Context) {
	ticker := ms.clock.NewTicker(ms.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			ms.sweepIdle()
		}
	}
}

func (ms *MemStore) sweepIdle() {
	cutoff := ms.clock.Now().Add(-ms.idleThreshold)

	ms.mx.Lock()
	defer ms.mx.Unlock()
	for roomID, rs := range ms.db {
		rs.mx.Lock()
		if rs.room.LastActivityAt.Before(cutoff) {
			rs.deleted = true
			delete(ms.db, roomID)
			ms.logger.Info().Str("roomID", roomID).Msg("idle room swept")
		}
		rs.mx.Unlock()
	}
}

func occupantList(room *model.Room) []model.OccupantInfo {
	list := make([]model.OccupantInfo, 0, len(room.Occupants))
	for _, occ := range room.Occupants {
		list = append(list, model.OccupantInfo{
			ID:          occ.ID,
			Seat:        occ.Seat,
			DisplayName: occ.DisplayName,
			Instrument:  occ.Instrument,
			JoinedAt:    occ.JoinedAt.UnixMilli(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].JoinedAt < list[j].JoinedAt || (list[i].JoinedAt == list[j].JoinedAt && list[i].ID < list[j].ID) })
	return list
}
