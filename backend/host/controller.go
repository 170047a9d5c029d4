package host

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
	defaultBPM        = 90
	defaultBeatCount  = 4
	defaultInterval   = 666 * time.Millisecond // 60000 / 90
	defaultStartDelay = 100 * time.Millisecond
)

var (
	ErrNotHost           = errors.New("only the host may control the circle")
	ErrAlreadyPerforming = errors.New("circle is already performing")
	ErrNotPerforming     = errors.New("circle is not performing")
	ErrUnknownAction     = errors.New("unknown control action")
)

type (
	// RoomState is the registry surface the controller reads and flips.
	RoomState interface {
		GetSnapshot(roomID string) (model.RoomSnapshotPayload, error)
		SetPerforming(roomID string, on bool) (bool, error)
	}

	Broadcaster interface {
		Broadcast(ctx context.Context, msg model.Message, roomID string) error
	}

	// Controller gates the room-wide performance toggle. A Start broadcasts
	// the countdown cue immediately and flips the room to performing only
	// after the countdown elapses, so every client gets the same lead time.
	Controller struct {
		logger zerolog.Logger
		clock  clockwork.Clock
		rooms  RoomState
		bcast  Broadcaster

		bpm        int
		beatCount  int
		interval   time.Duration
		startDelay time.Duration

		// stopCancels decides whether a Stop during an in-flight countdown
		// suppresses the pending circle-started broadcast.
		stopCancels bool

		mx      sync.Mutex
		pending map[string]*countdown
	}

	countdown struct {
		timer    clockwork.Timer
		cancelCh chan struct{}
	}

	Config struct {
		Logger      *zerolog.Logger
		Clock       clockwork.Clock
		Rooms       RoomState
		Broadcaster Broadcaster

		BPM        int
		BeatCount  int
		Interval   time.Duration
		StartDelay time.Duration

		StopCancelsCountdown bool
	}
)

func NewController(cfg Config) *Controller {
	c := &Controller{
		logger:      cfg.Logger.With().Str("component", "host-controller").Logger(),
		clock:       cfg.Clock,
		rooms:       cfg.Rooms,
		bcast:       cfg.Broadcaster,
		bpm:         cfg.BPM,
		beatCount:   cfg.BeatCount,
		interval:    cfg.Interval,
		startDelay:  cfg.StartDelay,
		stopCancels: cfg.StopCancelsCountdown,
		pending:     make(map[string]*countdown),
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.bpm <= 0 {
		c.bpm = defaultBPM
	}
	if c.beatCount <= 0 {
		c.beatCount = defaultBeatCount
	}
	if c.interval <= 0 {
		c.interval = defaultInterval
	}
	if c.startDelay <= 0 {
		c.startDelay = defaultStartDelay
	}
	return c
}

// RequestControl validates the caller's host rights and executes a start or
// stop. Errors are returned to the caller only; broadcasts go to the room.
func (c *Controller) RequestControl(ctx context.Context, roomID, userID, action string) error {
	snap, err := c.rooms.GetSnapshot(roomID)
	if err != nil {
		return err
	}
	if snap.HostID != userID {
		return ErrNotHost
	}

	switch action {
	case model.ActionStart:
		return c.start(ctx, roomID, snap.IsPerforming)
	case model.ActionStop:
		return c.stop(ctx, roomID, snap.IsPerforming)
	default:
		return ErrUnknownAction
	}
}

func (c *Controller) start(ctx context.Context, roomID string, performing bool) error {
	if performing {
		return ErrAlreadyPerforming
	}

	c.mx.Lock()
	if _, inFlight := c.pending[roomID]; inFlight {
		c.mx.Unlock()
		return ErrAlreadyPerforming
	}
	cd := &countdown{
		timer:    c.clock.NewTimer(time.Duration(c.beatCount) * c.interval),
		cancelCh: make(chan struct{}),
	}
	c.pending[roomID] = cd
	c.mx.Unlock()

	msg, err := model.NewMessage(model.TypeConductorSignal, model.ConductorSignalPayload{
		Purpose:    "start",
		BPM:        c.bpm,
		Count:      c.beatCount,
		IntervalMs: c.interval.Milliseconds(),
		Timestamp:  c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	_ = c.bcast.Broadcast(ctx, msg, roomID)
	c.logger.Debug().
		Str("roomID", roomID).
		Int("beats", c.beatCount).
		Dur("interval", c.interval).
		Msg("countdown broadcast, start scheduled")

	go c.awaitCountdown(roomID, cd)
	return nil
}

func (c *Controller) awaitCountdown(roomID string, cd *countdown) {
	select {
	case <-cd.timer.Chan():
	case <-cd.cancelCh:
		return
	}

	c.mx.Lock()
	if c.pending[roomID] != cd {
		// countdown was cancelled by a Stop
		c.mx.Unlock()
		return
	}
	delete(c.pending, roomID)
	c.mx.Unlock()

	changed, err := c.rooms.SetPerforming(roomID, true)
	if err != nil {
		c.logger.Debug().Err(err).Str("roomID", roomID).Msg("countdown finished but room is gone")
		return
	}
	if !changed {
		c.logger.Debug().Str("roomID", roomID).Msg("room already performing after countdown")
		return
	}

	msg, err := model.NewMessage(model.TypeCircleStarted, model.CircleStartedPayload{
		// near-future start so every client can align the first beat
		StartTime: c.clock.Now().Add(c.startDelay).UnixMilli(),
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to build circle-started message")
		return
	}
	_ = c.bcast.Broadcast(context.Background(), msg, roomID)
	c.logger.Debug().Str("roomID", roomID).Msg("circle started")
}

func (c *Controller) stop(ctx context.Context, roomID string, performing bool) error {
	if !performing {
		if c.stopCancels && c.cancelCountdown(roomID) {
			msg, err := model.NewMessage(model.TypeCircleStopped, nil)
			if err != nil {
				return err
			}
			_ = c.bcast.Broadcast(ctx, msg, roomID)
			c.logger.Debug().Str("roomID", roomID).Msg("in-flight countdown cancelled")
			return nil
		}
		return ErrNotPerforming
	}

	if _, err := c.rooms.SetPerforming(roomID, false); err != nil {
		return err
	}
	msg, err := model.NewMessage(model.TypeCircleStopped, nil)
	if err != nil {
		return err
	}
	_ = c.bcast.Broadcast(ctx, msg, roomID)
	c.logger.Debug().Str("roomID", roomID).Msg("circle stopped")
	return nil
}

func (c *Controller) cancelCountdown(roomID string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	cd, ok := c.pending[roomID]
	if !ok {
		return false
	}
	stopAndDrainTimer(cd.timer)
	close(cd.cancelCh)
	delete(c.pending, roomID)
	return true
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired,
// following the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
