package protocol

import (
	"errors"

	"github.com/manpreetbhatti/easel/internal/canvas"
)

// RoomRequest is the payload of room:create, room:join and the legacy join.
type RoomRequest struct {
	Room     string `json:"room"`
	Password string `json:"password,omitempty"`
	Username string `json:"username,omitempty"`
}

func (RoomRequest) validate() error { return nil }

type Cursor struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

func (c Cursor) validate() error {
	if c.X == nil || c.Y == nil {
		return errors.New("cursor needs numeric x and y")
	}
	return nil
}

type StrokeBegin struct {
	StrokeID string     `json:"strokeId"`
	Tool     string     `json:"tool"`
	Color    string     `json:"color,omitempty"`
	Width    float64    `json:"width"`
	Start    *WirePoint `json:"start"`
}

func (s StrokeBegin) validate() error {
	if s.Start == nil {
		return errors.New("stroke needs a start point")
	}
	return s.Start.validate()
}

type StrokeChunk struct {
	StrokeID string      `json:"strokeId"`
	Points   []WirePoint `json:"points"`
}

func (s StrokeChunk) validate() error { return validatePoints(s.Points) }

func (s StrokeChunk) CanvasPoints() []canvas.Point { return points(s.Points) }

type StrokeEnd struct {
	StrokeID string      `json:"strokeId"`
	Tool     string      `json:"tool"`
	Color    string      `json:"color,omitempty"`
	Width    float64     `json:"width"`
	Points   []WirePoint `json:"points"`
}

func (s StrokeEnd) validate() error {
	if s.Width <= 0 {
		return errors.New("width must be positive")
	}
	return validatePoints(s.Points)
}

func (s StrokeEnd) CanvasPoints() []canvas.Point { return points(s.Points) }

// Server to client payloads

type OpAppend struct {
	Revision  uint64           `json:"revision"`
	Operation canvas.Operation `json:"operation"`
}

type StateFull struct {
	Revision uint64          `json:"revision"`
	Log      canvas.Snapshot `json:"log"`
}

type RoomSummary struct {
	ID        string `json:"id"`
	UserCount int    `json:"userCount"`
}

type CursorRelay struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	UserID string  `json:"userId"`
	Color  string  `json:"color"`
	Name   string  `json:"name"`
}

type StrokeBeginRelay struct {
	StrokeID string          `json:"strokeId"`
	Tool     canvas.ToolKind `json:"tool"`
	Color    *string         `json:"color"`
	Width    float64         `json:"width"`
	Start    canvas.Point    `json:"start"`
	UserID   string          `json:"userId"`
}

type StrokeChunkRelay struct {
	StrokeID string         `json:"strokeId"`
	Points   []canvas.Point `json:"points"`
	UserID   string         `json:"userId"`
}
