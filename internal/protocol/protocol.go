package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manpreetbhatti/easel/internal/canvas"
)

// Client to server events
const (
	EventRoomCreate  = "room:create"
	EventRoomJoin    = "room:join"
	EventLegacyJoin  = "join"
	EventCursorMove  = "cursor:move"
	EventStrokeBegin = "stroke:begin"
	EventStrokeChunk = "stroke:chunk"
	EventStrokeEnd   = "stroke:end"
	EventUndo        = "op:undo"
	EventRedo        = "op:redo"
	EventStateSync   = "state:sync"
)

// Server to client events
const (
	EventStateInit = "state:init"
	EventOpAppend  = "state:op-append"
	EventStateFull = "state:full"
	EventUserList  = "user:list"
	EventRoomsList = "rooms:list"
	EventAck       = "ack"
)

// Ack failure codes
const (
	CodeInvalidName   = "InvalidName"
	CodeAlreadyExists = "AlreadyExists"
	CodeNotFound      = "NotFound"
	CodeBadPassword   = "BadPassword"
)

var ErrMalformed = errors.New("malformed payload")

// Inbound is a frame sent by a client. Ack, when present, asks the server to
// answer with an "ack" frame carrying the same number.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *uint64         `json:"ack,omitempty"`
}

type Frame struct {
	Event string  `json:"event"`
	Data  any     `json:"data,omitempty"`
	Ack   *uint64 `json:"ack,omitempty"`
}

func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Event == "" {
		return in, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return in, nil
}

// Encode renders one outbound frame.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(Frame{Event: event, Data: data})
}

type AckReply struct {
	Success bool   `json:"success"`
	Room    string `json:"room,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func EncodeAck(id uint64, reply AckReply) ([]byte, error) {
	return json.Marshal(Frame{Event: EventAck, Data: reply, Ack: &id})
}

type validator interface {
	validate() error
}

// Decode unmarshals and validates an inbound payload.
func Decode[T validator](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.validate(); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Point as sent by clients; x and y are mandatory.
type WirePoint struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	T float64  `json:"t"`
}

func (p WirePoint) validate() error {
	if p.X == nil || p.Y == nil {
		return errors.New("point needs numeric x and y")
	}
	return nil
}

func (p WirePoint) Point() canvas.Point {
	return canvas.Point{X: *p.X, Y: *p.Y, T: p.T}
}

// WirePoints encodes canvas points for sending.
func WirePoints(in []canvas.Point) []WirePoint {
	out := make([]WirePoint, len(in))
	for i, p := range in {
		x, y := p.X, p.Y
		out[i] = WirePoint{X: &x, Y: &y, T: p.T}
	}
	return out
}

func points(in []WirePoint) []canvas.Point {
	out := make([]canvas.Point, len(in))
	for i, p := range in {
		out[i] = p.Point()
	}
	return out
}

func validatePoints(in []WirePoint) error {
	if in == nil {
		return errors.New("points must be an array")
	}
	for _, p := range in {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}
