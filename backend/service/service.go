package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/bamboo0911/never-ending-drum-party/backend/host"
	"github.com/bamboo0911/never-ending-drum-party/backend/model"
	"github.com/bamboo0911/never-ending-drum-party/backend/relay"
	"github.com/bamboo0911/never-ending-drum-party/backend/storage/memory"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrLeave      = errors.New("unable to leave room")
	ErrGet        = errors.New("unable to get room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID, userID, connID, displayName, instrument string) (memory.JoinResult, error)
		LeaveRoom(roomID, userID, connID string) (memory.LeaveResult, error)
		GetSnapshot(roomID string) (model.RoomSnapshotPayload, error)
		GetRoomInfo(roomID string) (memory.RoomInfo, error)
		GetStats() memory.Stats
	}

	EventRelay interface {
		Connect(roomID, userID string, wire model.Wire) error
		Disconnect(roomID, userID string) error
		Broadcast(ctx context.Context, msg model.Message, roomID string) error
		Unicast(ctx context.Context, msg model.Message, roomID, dst string) error
		SubmitHit(ctx context.Context, roomID, actorID, drumType string, claimedTS int64) (bool, error)
	}

	HostControl interface {
		RequestControl(ctx context.Context, roomID, userID, action string) error
	}

	// Service ties the room registry, the event relay and the host
	// controller together and dispatches the per-session message stream.
	Service struct {
		store  RoomStore
		relay  EventRelay
		hosts  HostControl
		clock  clockwork.Clock
		logger zerolog.Logger
	}

	Config struct {
		RoomStore   RoomStore
		EventRelay  EventRelay
		HostControl HostControl
		Clock       clockwork.Clock
		Logger      *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:  cfg.RoomStore,
		relay:  cfg.EventRelay,
		hosts:  cfg.HostControl,
		clock:  cfg.Clock,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
	if svc.clock == nil {
		svc.clock = clockwork.NewRealClock()
	}
	return svc
}

// CreateSession admits the participant into the room, registers the wire for
// fanout and starts the inbound dispatch loop. The joiner gets room-joined on
// its own wire; everyone else gets the membership delta.
func (svc *Service) CreateSession(ctx context.Context, roomID, userID, connID, displayName, instrument string, wire model.Wire) error {
	res, err := svc.store.CreateOrJoinRoom(roomID, userID, connID, displayName, instrument)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	if err = svc.relay.Connect(roomID, userID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Bool("rejoined", res.Rejoined).
		Msg("session connected")

	go svc.dispatch(ctx, roomID, userID, wire)

	go func() {
		joined, jErr := model.NewMessage(model.TypeRoomJoined, model.RoomJoinedPayload{
			Seat:         res.Seat,
			Occupants:    res.Occupants,
			HostID:       res.HostID,
			IsPerforming: res.IsPerforming,
		})
		if jErr != nil {
			return
		}
		_ = svc.relay.Unicast(ctx, joined, roomID, userID)

		if res.BecameHost {
			ack, aErr := model.NewMessage(model.TypeHostAssigned, model.HostAssignedPayload{
				HostID: userID,
				IsHost: true,
			})
			if aErr == nil {
				_ = svc.relay.Unicast(ctx, ack, roomID, userID)
			}
		}

		if !res.Rejoined {
			svc.announceJoin(ctx, roomID, userID, res)
		}
	}()
	return nil
}

func (svc *Service) announceJoin(ctx context.Context, roomID, userID string, res memory.JoinResult) {
	msg, err := model.NewMessage(model.TypeUserJoined, model.UserJoinedPayload{
		UserID: userID,
		Seat:   res.Seat,
	})
	if err != nil {
		return
	}
	msg.SRC = userID
	_ = svc.relay.Broadcast(ctx, msg, roomID)

	if res.BecameHost {
		hostMsg, hostErr := model.NewMessage(model.TypeHostAssigned, model.HostAssignedPayload{HostID: userID})
		if hostErr != nil {
			return
		}
		hostMsg.SRC = userID
		_ = svc.relay.Broadcast(ctx, hostMsg, roomID)
	}
}

// DeleteSession handles graceful leave and abrupt disconnect uniformly: the
// wire is unregistered, the seat freed and, when the departing participant
// was host, the succession is announced to the survivors. A teardown keyed to
// a superseded connection handle is ignored entirely, so the pump of an old
// connection finishing after a reconnect cannot evict the live session.
func (svc *Service) DeleteSession(ctx context.Context, roomID, userID, connID string) error {
	res, err := svc.store.LeaveRoom(roomID, userID, connID)
	if errors.Is(err, memory.ErrStaleConnection) {
		svc.logger.Debug().
			Str("userID", userID).
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("stale disconnect ignored")
		return nil
	}
	if dErr := svc.relay.Disconnect(roomID, userID); dErr != nil {
		return errors.Join(ErrDisconnect, dErr)
	}
	if err != nil {
		return errors.Join(ErrLeave, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("session deleted")

	if res.RoomEmpty {
		return nil
	}

	go func() {
		left, leftErr := model.NewMessage(model.TypeUserLeft, model.UserLeftPayload{
			UserID: userID,
			Seat:   res.Seat,
		})
		if leftErr != nil {
			return
		}
		left.SRC = userID
		_ = svc.relay.Broadcast(ctx, left, roomID)

		if res.WasHost && res.NewHostID != "" {
			changed, chErr := model.NewMessage(model.TypeHostChanged, model.HostChangedPayload{HostID: res.NewHostID})
			if chErr != nil {
				return
			}
			_ = svc.relay.Broadcast(ctx, changed, roomID)
		}
	}()
	return nil
}

// dispatch consumes the session's inbound messages until the wire context is
// cancelled. Replies and errors go back to the originating participant only.
func (svc *Service) dispatch(ctx context.Context, roomID, userID string, wire model.Wire) {
	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("userID", userID).
		Logger()

dispatchLoop:
	for {
		select {
		case <-ctx.Done():
			break dispatchLoop
		case msg := <-wire.RX:
			if err := svc.handle(ctx, roomID, userID, msg); err != nil {
				logger.Debug().Err(err).Str("type", msg.Type).Msg("request failed")
				svc.replyError(ctx, roomID, userID, err)
			}
		}
	}
}

var errInvalidRequest = errors.New("invalid request")

func (svc *Service) handle(ctx context.Context, roomID, userID string, msg model.Message) error {
	switch msg.Type {
	case model.TypeRequestServerTime:
		return svc.handleTimeRequest(ctx, roomID, userID, msg.Payload)
	case model.TypeDrumHit:
		return svc.handleHit(ctx, roomID, userID, msg.Payload)
	case model.TypeControlCircle:
		return svc.handleControl(ctx, roomID, userID, msg.Payload)
	case model.TypeRequestHostStatus:
		return svc.handleHostStatus(ctx, roomID, userID)
	case model.TypeRequestSnapshot:
		return svc.handleSnapshot(ctx, roomID, userID)
	case model.TypeJoinRoom:
		return svc.handleRejoin(ctx, roomID, userID, msg.Payload)
	default:
		return errors.Join(errInvalidRequest, errors.New("unknown message type "+msg.Type))
	}
}

// handleTimeRequest answers a clock probe with the server's instantaneous
// timestamp, echoing the probe's request id for correlation.
func (svc *Service) handleTimeRequest(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	var req model.ServerTimeRequestPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return errors.Join(errInvalidRequest, err)
		}
	}
	reply, err := model.NewMessage(model.TypeServerTime, model.ServerTimePayload{
		ServerTime: svc.clock.Now().UnixMilli(),
		RequestID:  req.RequestID,
	})
	if err != nil {
		return err
	}
	return svc.relay.Unicast(ctx, reply, roomID, userID)
}

func (svc *Service) handleHit(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	var hit model.DrumHitPayload
	if err := json.Unmarshal(payload, &hit); err != nil {
		return errors.Join(errInvalidRequest, err)
	}
	if hit.DrumType == "" {
		return errors.Join(errInvalidRequest, errors.New("missing drum type"))
	}
	_, err := svc.relay.SubmitHit(ctx, roomID, userID, hit.DrumType, hit.Timestamp)
	return err
}

func (svc *Service) handleControl(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	var req model.ControlPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return errors.Join(errInvalidRequest, err)
	}
	if err := svc.hosts.RequestControl(ctx, roomID, userID, req.Action); err != nil {
		if errors.Is(err, host.ErrUnknownAction) {
			return errors.Join(errInvalidRequest, err)
		}
		return err
	}
	// explicit acknowledgment back to the requesting host
	return svc.handleHostStatus(ctx, roomID, userID)
}

func (svc *Service) handleHostStatus(ctx context.Context, roomID, userID string) error {
	snap, err := svc.store.GetSnapshot(roomID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	reply, err := model.NewMessage(model.TypeHostStatus, model.HostStatusPayload{
		HostID:    snap.HostID,
		IsHost:    snap.HostID == userID,
		IsPlaying: snap.IsPerforming,
	})
	if err != nil {
		return err
	}
	return svc.relay.Unicast(ctx, reply, roomID, userID)
}

func (svc *Service) handleSnapshot(ctx context.Context, roomID, userID string) error {
	snap, err := svc.store.GetSnapshot(roomID)
	if err != nil {
		return errors.Join(ErrGet, err)
	}
	reply, err := model.NewMessage(model.TypeRoomSnapshot, snap)
	if err != nil {
		return err
	}
	return svc.relay.Unicast(ctx, reply, roomID, userID)
}

// handleRejoin is the idempotent in-band join: it refreshes mutable occupant
// attributes and returns the current assignment without touching the seat.
func (svc *Service) handleRejoin(ctx context.Context, roomID, userID string, payload json.RawMessage) error {
	var req model.JoinPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return errors.Join(errInvalidRequest, err)
		}
	}
	res, err := svc.store.CreateOrJoinRoom(roomID, userID, "", req.DisplayName, req.Instrument)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	reply, err := model.NewMessage(model.TypeRoomJoined, model.RoomJoinedPayload{
		Seat:         res.Seat,
		Occupants:    res.Occupants,
		HostID:       res.HostID,
		IsPerforming: res.IsPerforming,
	})
	if err != nil {
		return err
	}
	return svc.relay.Unicast(ctx, reply, roomID, userID)
}

func (svc *Service) replyError(ctx context.Context, roomID, userID string, err error) {
	msg, mErr := model.NewMessage(model.TypeError, model.ErrorPayload{
		Code:    errorCode(err),
		Message: err.Error(),
	})
	if mErr != nil {
		return
	}
	_ = svc.relay.Unicast(ctx, msg, roomID, userID)
}

// errorCode maps internal errors to wire codes, INVALID_REQUEST being the
// catch-all for anything a client should not have sent.
func errorCode(err error) string {
	switch {
	case errors.Is(err, memory.ErrRoomIsFull):
		return model.CodeRoomFull
	case errors.Is(err, memory.ErrNoSeatAvailable):
		return model.CodeNoPositionAvailable
	case errors.Is(err, relay.ErrNotInRoom),
		errors.Is(err, memory.ErrNotAMember),
		errors.Is(err, memory.ErrRoomNotFound):
		return model.CodeNotInRoom
	case errors.Is(err, host.ErrNotHost):
		return model.CodeNotHost
	case errors.Is(err, host.ErrAlreadyPerforming):
		return model.CodeAlreadyPerforming
	case errors.Is(err, host.ErrNotPerforming):
		return model.CodeNotPerforming
	default:
		return model.CodeInvalidRequest
	}
}

// GetRoomInfo exposes registry lookups to the HTTP API.
func (svc *Service) GetRoomInfo(roomID string) (memory.RoomInfo, error) {
	info, err := svc.store.GetRoomInfo(roomID)
	if err != nil {
		return memory.RoomInfo{}, errors.Join(ErrGet, err)
	}
	return info, nil
}

func (svc *Service) GetStats() memory.Stats {
	return svc.store.GetStats()
}
