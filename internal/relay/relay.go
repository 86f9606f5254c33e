// Package relay shapes the ephemeral cursor and live-stroke events that are
// forwarded between peers, and turns a finished stroke into an Operation.
package relay

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/protocol"
	"github.com/manpreetbhatti/easel/internal/room"
)

func Cursor(u room.User, c protocol.Cursor) protocol.CursorRelay {
	return protocol.CursorRelay{
		X:      *c.X,
		Y:      *c.Y,
		UserID: u.ID,
		Color:  u.Color,
		Name:   u.Name,
	}
}

// Begin announces a live stroke. Erasers go out with a null colour.
func Begin(u room.User, b protocol.StrokeBegin) (protocol.StrokeBeginRelay, error) {
	tool, err := canvas.ParseTool(b.Tool, b.Color, u.Color)
	if err != nil {
		return protocol.StrokeBeginRelay{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	return protocol.StrokeBeginRelay{
		StrokeID: b.StrokeID,
		Tool:     tool.Kind(),
		Color:    colorOf(tool),
		Width:    b.Width,
		Start:    b.Start.Point(),
		UserID:   u.ID,
	}, nil
}

func Chunk(u room.User, c protocol.StrokeChunk) protocol.StrokeChunkRelay {
	return protocol.StrokeChunkRelay{
		StrokeID: c.StrokeID,
		Points:   c.CanvasPoints(),
		UserID:   u.ID,
	}
}

// Finish converts a completed stroke into the Operation that gets committed.
// A stroke without an id is given a random one.
func Finish(u room.User, e protocol.StrokeEnd, now time.Time) (canvas.Operation, error) {
	tool, err := canvas.ParseTool(e.Tool, e.Color, u.Color)
	if err != nil {
		return canvas.Operation{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	id := e.StrokeID
	if id == "" {
		id = uuid.NewString()
	}
	return canvas.Operation{
		ID:          id,
		AuthorID:    u.ID,
		AuthorName:  u.Name,
		Tool:        tool,
		Width:       e.Width,
		Points:      e.CanvasPoints(),
		CommittedAt: now,
	}, nil
}

func colorOf(t canvas.Tool) *string {
	c, ok := t.Color()
	if !ok {
		return nil
	}
	return &c
}
