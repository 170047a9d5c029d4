package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/model"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrProbeTimeout = errors.New("server time probe timed out")
)

type (
	// Synthesizer produces a playable buffer for a drum kind. Satisfiable by
	// any platform audio API; the engine never looks inside the buffer.
	Synthesizer interface {
		Synthesize(kind string) ([]byte, error)
	}

	// Playback renders a synthesized buffer at a local instant, best effort.
	Playback interface {
		SchedulePlayback(buf []byte, at time.Time) error
	}

	// Notifier surfaces user-facing notices (host changes, dismissible
	// errors). A nil Notifier silently drops them.
	Notifier interface {
		Notify(text string)
	}
)

// SessionFacade is the client-side orchestrator: it keeps a local view of the
// room, runs clock synchronization over the session wire, stamps outgoing
// hits with server-adjusted time and routes incoming events through the
// playout scheduler into the audio collaborators.
type SessionFacade struct {
	logger zerolog.Logger
	clock  clockwork.Clock
	wire   model.Wire

	roomID string
	selfID string

	sync  *ClockSync
	sched *Scheduler

	synth    Synthesizer
	playback Playback
	notifier Notifier

	mx           sync.RWMutex
	seat         model.Seat
	occupants    map[string]model.OccupantInfo
	hostID       string
	isPerforming bool

	probeMx sync.Mutex
	probes  map[string]chan int64
}

type FacadeConfig struct {
	Logger *zerolog.Logger
	Clock  clockwork.Clock
	// Wire is the session transport: RX carries server-to-client messages,
	// TX client-to-server.
	Wire   model.Wire
	RoomID string
	SelfID string

	Synthesizer Synthesizer
	Playback    Playback
	Notifier    Notifier

	ClockSync ClockSyncConfig
	Scheduler SchedulerConfig
}

func NewSessionFacade(cfg FacadeConfig) *SessionFacade {
	f := &SessionFacade{
		logger:    cfg.Logger.With().Str("component", "session-facade").Logger(),
		clock:     cfg.Clock,
		wire:      cfg.Wire,
		roomID:    cfg.RoomID,
		selfID:    cfg.SelfID,
		synth:     cfg.Synthesizer,
		playback:  cfg.Playback,
		notifier:  cfg.Notifier,
		seat:      model.SeatSelf,
		occupants: make(map[string]model.OccupantInfo),
		probes:    make(map[string]chan int64),
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}

	csCfg := cfg.ClockSync
	csCfg.Logger = cfg.Logger
	csCfg.Clock = f.clock
	csCfg.Prober = f
	f.sync = NewClockSync(csCfg)

	schedCfg := cfg.Scheduler
	schedCfg.Logger = cfg.Logger
	schedCfg.Clock = f.clock
	schedCfg.Timing = f.sync
	f.sched = NewScheduler(schedCfg)

	return f
}

// Run consumes the inbound message stream and keeps the clock in sync until
// ctx is cancelled.
func (f *SessionFacade) Run(ctx context.Context) {
	go f.sync.Run(ctx)

rxLoop:
	for {
		select {
		case <-ctx.Done():
			break rxLoop
		case msg, ok := <-f.wire.RX:
			if !ok {
				break rxLoop
			}
			f.handle(msg)
		}
	}
}

// RequestServerTime implements TimeProber over the session wire by
// correlating the reply through the probe's request id.
func (f *SessionFacade) RequestServerTime(ctx context.Context, requestID string) (int64, error) {
	ch := make(chan int64, 1)
	f.probeMx.Lock()
	f.probes[requestID] = ch
	f.probeMx.Unlock()
	defer func() {
		f.probeMx.Lock()
		delete(f.probes, requestID)
		f.probeMx.Unlock()
	}()

	if err := f.send(ctx, model.TypeRequestServerTime, model.ServerTimeRequestPayload{RequestID: requestID}); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return 0, errors.Join(ErrProbeTimeout, ctx.Err())
	case serverMillis := <-ch:
		return serverMillis, nil
	}
}

// SendHit stamps a locally played hit with server-adjusted time and submits
// it for relay. The local playback happens before this call; only remote
// listeners depend on the stamp.
func (f *SessionFacade) SendHit(ctx context.Context, drumType string) error {
	return f.send(ctx, model.TypeDrumHit, model.DrumHitPayload{
		DrumType:  drumType,
		Timestamp: f.sync.AdjustEventTime(f.clock.Now().UnixMilli()),
	})
}

// RequestControl asks the server to start or stop the circle. Only honored
// when this participant is host; rejections come back as error messages.
func (f *SessionFacade) RequestControl(ctx context.Context, action string) error {
	return f.send(ctx, model.TypeControlCircle, model.ControlPayload{Action: action})
}

func (f *SessionFacade) RequestHostStatus(ctx context.Context) error {
	return f.send(ctx, model.TypeRequestHostStatus, nil)
}

// RequestSnapshot asks for a full membership re-sync.
func (f *SessionFacade) RequestSnapshot(ctx context.Context) error {
	return f.send(ctx, model.TypeRequestSnapshot, nil)
}

func (f *SessionFacade) send(ctx context.Context, msgType string, payload any) error {
	msg, err := model.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return errors.Join(ErrNotConnected, ctx.Err())
	case f.wire.TX <- msg:
		return nil
	}
}

func (f *SessionFacade) handle(msg model.Message) {
	var err error
	switch msg.Type {
	case model.TypeServerTime:
		err = f.handleServerTime(msg.Payload)
	case model.TypeRoomJoined, model.TypeRoomSnapshot:
		err = f.handleSnapshot(msg.Payload)
	case model.TypeUserJoined:
		err = f.handleUserJoined(msg.Payload)
	case model.TypeUserLeft:
		err = f.handleUserLeft(msg.Payload)
	case model.TypeDrumHit:
		err = f.handleHit(msg.Payload)
	case model.TypeHostAssigned:
		err = f.handleHostAssigned(msg.Payload)
	case model.TypeHostChanged:
		err = f.handleHostChanged(msg.Payload)
	case model.TypeHostStatus:
		err = f.handleHostStatus(msg.Payload)
	case model.TypeConductorSignal:
		err = f.handleConductorSignal(msg.Payload)
	case model.TypeCircleStarted:
		err = f.handleCircleStarted(msg.Payload)
	case model.TypeCircleStopped:
		f.handleCircleStopped()
	case model.TypeError:
		err = f.handleError(msg.Payload)
	default:
		f.logger.Debug().Str("type", msg.Type).Msg("ignoring unknown message type")
	}
	if err != nil {
		f.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to handle message")
	}
}

func (f *SessionFacade) handleServerTime(payload json.RawMessage) error {
	var reply model.ServerTimePayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		return err
	}
	f.probeMx.Lock()
	ch, ok := f.probes[reply.RequestID]
	f.probeMx.Unlock()
	if ok {
		// duplicate replies for a satisfied probe must not wedge dispatch
		select {
		case ch <- reply.ServerTime:
		default:
		}
	}
	return nil
}

func (f *SessionFacade) handleSnapshot(payload json.RawMessage) error {
	var snap model.RoomJoinedPayload
	if err := json.Unmarshal(payload, &snap); err != nil {
		return err
	}
	f.mx.Lock()
	if snap.Seat != "" {
		f.seat = snap.Seat
	}
	f.occupants = make(map[string]model.OccupantInfo, len(snap.Occupants))
	for _, occ := range snap.Occupants {
		f.occupants[occ.ID] = occ
	}
	f.hostID = snap.HostID
	f.isPerforming = snap.IsPerforming
	f.mx.Unlock()
	return nil
}

func (f *SessionFacade) handleUserJoined(payload json.RawMessage) error {
	var delta model.UserJoinedPayload
	if err := json.Unmarshal(payload, &delta); err != nil {
		return err
	}
	f.mx.Lock()
	f.occupants[delta.UserID] = model.OccupantInfo{
		ID:          delta.UserID,
		Seat:        delta.Seat,
		DisplayName: delta.DisplayName,
		Instrument:  delta.Instrument,
	}
	f.mx.Unlock()
	return nil
}

func (f *SessionFacade) handleUserLeft(payload json.RawMessage) error {
	var delta model.UserLeftPayload
	if err := json.Unmarshal(payload, &delta); err != nil {
		return err
	}
	f.mx.Lock()
	delete(f.occupants, delta.UserID)
	f.mx.Unlock()
	return nil
}

// handleHit routes a relayed hit through the playout scheduler and hands the
// synthesized buffer to the audio collaborator at the computed local instant.
func (f *SessionFacade) handleHit(payload json.RawMessage) error {
	var hit model.DrumHitPayload
	if err := json.Unmarshal(payload, &hit); err != nil {
		return err
	}
	if f.synth == nil || f.playback == nil {
		return nil
	}

	buf, err := f.synth.Synthesize(hit.DrumType)
	if err != nil {
		return err
	}
	delay := f.sched.ComputePlayDelay(hit.Timestamp)
	return f.playback.SchedulePlayback(buf, f.clock.Now().Add(delay))
}

func (f *SessionFacade) handleHostAssigned(payload json.RawMessage) error {
	var assigned model.HostAssignedPayload
	if err := json.Unmarshal(payload, &assigned); err != nil {
		return err
	}
	f.mx.Lock()
	f.hostID = assigned.HostID
	f.mx.Unlock()
	if assigned.HostID == f.selfID {
		f.notify("you are now the circle conductor")
	}
	return nil
}

func (f *SessionFacade) handleHostChanged(payload json.RawMessage) error {
	var changed model.HostChangedPayload
	if err := json.Unmarshal(payload, &changed); err != nil {
		return err
	}
	f.mx.Lock()
	f.hostID = changed.HostID
	f.mx.Unlock()
	if changed.HostID == f.selfID {
		f.notify("you are now the circle conductor")
	} else {
		f.notify(fmt.Sprintf("%s is now the circle conductor", changed.HostID))
	}
	return nil
}

func (f *SessionFacade) handleHostStatus(payload json.RawMessage) error {
	var status model.HostStatusPayload
	if err := json.Unmarshal(payload, &status); err != nil {
		return err
	}
	f.mx.Lock()
	f.hostID = status.HostID
	f.isPerforming = status.IsPlaying
	f.mx.Unlock()
	return nil
}

func (f *SessionFacade) handleConductorSignal(payload json.RawMessage) error {
	var signal model.ConductorSignalPayload
	if err := json.Unmarshal(payload, &signal); err != nil {
		return err
	}
	f.notify(fmt.Sprintf("circle starting in %d beats", signal.Count))
	return nil
}

// handleCircleStarted aligns the local "performing" flip with the broadcast
// start time, so every client perceives the first beat together.
func (f *SessionFacade) handleCircleStarted(payload json.RawMessage) error {
	var started model.CircleStartedPayload
	if err := json.Unmarshal(payload, &started); err != nil {
		return err
	}
	f.sched.SchedulePlay("circle-start/"+f.roomID, started.StartTime, func() {
		f.mx.Lock()
		f.isPerforming = true
		f.mx.Unlock()
		f.notify("drum circle started")
	})
	return nil
}

func (f *SessionFacade) handleCircleStopped() {
	f.sched.Cancel("circle-start/" + f.roomID)
	f.mx.Lock()
	f.isPerforming = false
	f.mx.Unlock()
	f.notify("drum circle stopped")
}

func (f *SessionFacade) handleError(payload json.RawMessage) error {
	var e model.ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return err
	}
	f.notify(fmt.Sprintf("%s: %s", e.Code, e.Message))
	return nil
}

func (f *SessionFacade) notify(text string) {
	if f.notifier != nil {
		f.notifier.Notify(text)
	}
}

// View is the room as this client currently sees it.
type View struct {
	Seat         model.Seat
	Occupants    []model.OccupantInfo
	HostID       string
	IsHost       bool
	IsPerforming bool
}

func (f *SessionFacade) CurrentView() View {
	f.mx.RLock()
	defer f.mx.RUnlock()
	occ := make([]model.OccupantInfo, 0, len(f.occupants))
	for _, o := range f.occupants {
		occ = append(occ, o)
	}
	return View{
		Seat:         f.seat,
		Occupants:    occ,
		HostID:       f.hostID,
		IsHost:       f.hostID == f.selfID,
		IsPerforming: f.isPerforming,
	}
}

// NetworkStats exposes the sync estimates for status badges.
func (f *SessionFacade) NetworkStats() NetworkStats {
	return f.sync.GetNetworkStats()
}
