package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/model"
)

const (
	defaultFwdTimeout = time.Second

	// defaultMinHitSpacing is the strict minimum interval between relayed
	// hits from one participant. Faster events are dropped, not errored.
	defaultMinHitSpacing = 50 * time.Millisecond
)

var (
	ErrNotInRoom = errors.New("participant is not in the room")
)

// RoomResolver is the slice of the room registry the relay needs.
type RoomResolver interface {
	GetMember(roomID, userID string) (model.Participant, error)
	Touch(roomID string)
}

// Relay owns the wire table and fans player events out to room occupants.
// Delivery is fire-and-forget: no retries, no acknowledgments, ordering only
// as strong as the transport's own per-receiver ordering.
type Relay struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	rooms  RoomResolver

	mx  sync.RWMutex
	fwd map[string]map[string]model.Wire

	hitMx      sync.Mutex
	lastHit    map[string]time.Time
	minSpacing time.Duration
}

type Config struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	Rooms  RoomResolver

	MinHitSpacing time.Duration
}

func NewRelay(cfg Config) *Relay {
	r := &Relay{
		logger:     cfg.Logger.With().Str("component", "relay").Logger(),
		clock:      cfg.Clock,
		rooms:      cfg.Rooms,
		fwd:        make(map[string]map[string]model.Wire),
		lastHit:    make(map[string]time.Time),
		minSpacing: cfg.MinHitSpacing,
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.minSpacing <= 0 {
		r.minSpacing = defaultMinHitSpacing
	}
	return r
}

func (r *Relay) Connect(roomID, userID string, wire model.Wire) error {
	r.mx.Lock()
	defer func() {
		r.mx.Unlock()
		r.logger.Debug().
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("participant wire connected")
	}()

	room, ok := r.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[userID] = wire
	r.fwd[roomID] = room
	return nil
}

func (r *Relay) Disconnect(roomID, userID string) error {
	r.mx.Lock()
	defer func() {
		r.mx.Unlock()
		r.logger.Debug().
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("participant wire disconnected")
	}()

	room, ok := r.fwd[roomID]
	if ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(r.fwd, roomID)
		}
	}

	r.hitMx.Lock()
	delete(r.lastHit, hitKey(roomID, userID))
	r.hitMx.Unlock()
	return nil
}

// SubmitHit applies the per-participant rate limit, normalizes the claimed
// timestamp and fans the hit out to every other occupant of the room.
// It reports whether the hit was relayed; a rate-limited hit returns
// (false, nil).
func (r *Relay) SubmitHit(ctx context.Context, roomID, actorID, drumType string, claimedTS int64) (bool, error) {
	if _, err := r.rooms.GetMember(roomID, actorID); err != nil {
		return false, errors.Join(ErrNotInRoom, err)
	}

	now := r.clock.Now()
	if !r.admitHit(roomID, actorID, now) {
		r.logger.Trace().
			Str("roomID", roomID).
			Str("userID", actorID).
			Msg("hit dropped by rate limit")
		return false, nil
	}

	ts := claimedTS
	if ts == 0 {
		ts = now.UnixMilli()
	}

	msg, err := model.NewMessage(model.TypeDrumHit, model.DrumHitPayload{
		UserID:    actorID,
		DrumType:  drumType,
		Timestamp: ts,
	})
	if err != nil {
		return false, err
	}
	msg.SRC = actorID

	r.rooms.Touch(roomID)
	return true, r.Broadcast(ctx, msg, roomID)
}

func (r *Relay) admitHit(roomID, userID string, now time.Time) bool {
	key := hitKey(roomID, userID)
	r.hitMx.Lock()
	defer r.hitMx.Unlock()
	if last, ok := r.lastHit[key]; ok && now.Sub(last) < r.minSpacing {
		return false
	}
	r.lastHit[key] = now
	return true
}

func hitKey(roomID, userID string) string {
	return roomID + "/" + userID
}

// Broadcast delivers msg to every occupant of the room except msg.SRC.
func (r *Relay) Broadcast(ctx context.Context, msg model.Message, roomID string) error {
	msg.DST = "" // clear dst just in case
	if !r.forward(ctx, msg, roomID) {
		r.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.SRC).
			Msg("broadcast did not reach anyone")
	}
	return nil
}

// Unicast delivers msg to a single occupant.
func (r *Relay) Unicast(ctx context.Context, msg model.Message, roomID, dst string) error {
	msg.DST = dst
	if !r.forward(ctx, msg, roomID) {
		r.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("dst", dst).
			Msg("unicast was not delivered")
	}
	return nil
}

func (r *Relay) forward(ctx context.Context, msg model.Message, roomID string) bool {
	var (
		sent   bool
		logger = r.logger.With().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.SRC).Logger()
	)

	r.mx.RLock()
	room := r.fwd[roomID]
	wires := make(map[string]model.Wire, len(room))
	for dst, wire := range room {
		wires[dst] = wire
	}
	r.mx.RUnlock()

	if msg.DST == "" {
		// broadcast, skipping the originator

		for dst, wire := range wires {
			if dst != msg.SRC {
				msgSent, canceled := send(ctx, msg, wire.TX, &logger)
				if canceled {
					break
				}
				if msgSent {
					sent = true
				}
			}
		}

	} else {
		// send to a particular occupant

		wire, ok := wires[msg.DST]
		if !ok {
			logger.Debug().Str("dst", msg.DST).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, msg, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, msg model.Message, tx chan<- model.Message, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", msg.DST).Msg("dead wire")
	case tx <- msg:
		logger.Trace().Str("dst", msg.DST).Msg("message forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
