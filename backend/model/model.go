package model

import (
	"encoding/json"
	"time"
)

// Seat is one of the named grid positions a remote occupant can be placed in.
type Seat string

const (
	SeatTopLeft     Seat = "top-left"
	SeatTopCenter   Seat = "top-center"
	SeatTopRight    Seat = "top-right"
	SeatMiddleLeft  Seat = "middle-left"
	SeatMiddleRight Seat = "middle-right"
	SeatBottomLeft  Seat = "bottom-left"
	SeatBottomRight Seat = "bottom-right"

	// SeatSelf is where every client renders itself locally.
	// It is never assigned to a remote occupant.
	SeatSelf Seat = "bottom-center"
)

// AssignableSeats returns the seats a remote occupant may take, in grid order.
func AssignableSeats() []Seat {
	return []Seat{
		SeatTopLeft, SeatTopCenter, SeatTopRight,
		SeatMiddleLeft, SeatMiddleRight,
		SeatBottomLeft, SeatBottomRight,
	}
}

// RoomCapacity is the number of occupants a room can hold: seven seated
// plus the founding occupant, who keeps the reserved self position and is
// never given an assignable seat.
const RoomCapacity = 8

type Room struct {
	ID             string                  `json:"room_id"`
	Occupants      map[string]*Participant `json:"occupants"`
	SeatAssignment map[Seat]string         `json:"seat_assignment"`
	HostID         string                  `json:"host_id,omitempty"`
	IsPerforming   bool                    `json:"is_performing"`
	CreatedAt      time.Time               `json:"created_at"`
	LastActivityAt time.Time               `json:"last_activity_at"`
}

type Participant struct {
	ID          string    `json:"id"`
	ConnID      string    `json:"-"` // transport handle reference, owned by the relay
	Seat        Seat      `json:"seat"`
	DisplayName string    `json:"display_name,omitempty"`
	Instrument  string    `json:"instrument,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Message types sent by clients.
const (
	TypeJoinRoom          = "join-room"
	TypeDrumHit           = "drum-hit"
	TypeControlCircle     = "control-drum-circle"
	TypeRequestServerTime = "request-server-time"
	TypeRequestHostStatus = "request-host-status"
	TypeRequestSnapshot   = "request-room-snapshot"
)

// Message types sent by the server.
const (
	TypeRoomJoined      = "room-joined"
	TypeUserJoined      = "user-joined"
	TypeUserLeft        = "user-left"
	TypeServerTime      = "server-time"
	TypeConductorSignal = "conductor-signal"
	TypeCircleStarted   = "circle-started"
	TypeCircleStopped   = "circle-stopped"
	TypeHostAssigned    = "host-assigned"
	TypeHostChanged     = "host-changed"
	TypeHostStatus      = "host-status"
	TypeRoomSnapshot    = "room-snapshot"
	TypeError           = "error"
)

// Wire error codes.
const (
	CodeRoomFull            = "ROOM_FULL"
	CodeNotInRoom           = "NOT_IN_ROOM"
	CodeNotHost             = "NOT_HOST"
	CodeAlreadyPerforming   = "ALREADY_PERFORMING"
	CodeNotPerforming       = "NOT_PERFORMING"
	CodeNoPositionAvailable = "NO_POSITION_AVAILABLE"
	CodeInvalidRequest      = "INVALID_REQUEST"
)

// Message is the envelope for everything that crosses a client connection.
// For inbound messages the server re-assigns SRC based on the session;
// an empty DST means broadcast to the room.
type Message struct {
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with the payload marshalled in place.
// A marshal failure here means a programming error in a payload type,
// so it is surfaced to the caller.
func NewMessage(msgType string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: msgType}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: b}, nil
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}

type OccupantInfo struct {
	ID          string `json:"id"`
	Seat        Seat   `json:"seat,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
	JoinedAt    int64  `json:"joined_at"`
}

type JoinPayload struct {
	DisplayName string `json:"display_name,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
}

type RoomJoinedPayload struct {
	Seat         Seat           `json:"seat,omitempty"`
	Occupants    []OccupantInfo `json:"occupants"`
	HostID       string         `json:"host_id,omitempty"`
	IsPerforming bool           `json:"is_performing"`
}

type UserJoinedPayload struct {
	UserID      string `json:"user_id"`
	Seat        Seat   `json:"seat,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
}

type UserLeftPayload struct {
	UserID string `json:"user_id"`
	Seat   Seat   `json:"seat,omitempty"`
}

// DrumHitPayload carries a single timed hit. Timestamp is milliseconds on the
// server's clock; clients adjust their local time by the sync offset before
// sending, and the server substitutes its own time when the field is absent.
type DrumHitPayload struct {
	UserID    string `json:"user_id,omitempty"`
	DrumType  string `json:"drum_type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type ServerTimeRequestPayload struct {
	RequestID string `json:"request_id,omitempty"`
}

type ServerTimePayload struct {
	ServerTime int64  `json:"server_time"`
	RequestID  string `json:"request_id,omitempty"`
}

// Control actions a host may request.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

type ControlPayload struct {
	Action string `json:"action"`
}

// ConductorSignalPayload is the pre-start countdown cue. Every client gets the
// same tempo and beat count so the lead time is identical fleet-wide.
type ConductorSignalPayload struct {
	Purpose    string `json:"purpose"`
	BPM        int    `json:"bpm"`
	Count      int    `json:"count"`
	IntervalMs int64  `json:"interval_ms"`
	Timestamp  int64  `json:"timestamp"`
}

type CircleStartedPayload struct {
	StartTime int64 `json:"start_time"`
}

type HostAssignedPayload struct {
	HostID string `json:"host_id"`
	IsHost bool   `json:"is_host"`
}

type HostChangedPayload struct {
	HostID string `json:"host_id"`
}

type HostStatusPayload struct {
	HostID    string `json:"host_id,omitempty"`
	IsHost    bool   `json:"is_host"`
	IsPlaying bool   `json:"is_playing"`
}

type RoomSnapshotPayload struct {
	RoomID       string         `json:"room_id"`
	Occupants    []OccupantInfo `json:"occupants"`
	HostID       string         `json:"host_id,omitempty"`
	IsPerforming bool           `json:"is_performing"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
