package canvas

import (
	"encoding/json"
	"fmt"
	"time"
)

// A sample on the canvas. X and Y are normalized to the viewport, T is the
// capture time reported by the client.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"`
}

type ToolKind string

const (
	ToolBrush  ToolKind = "brush"
	ToolEraser ToolKind = "eraser"
)

// Tool is either a coloured brush or an eraser. Erasers never carry a colour.
type Tool struct {
	kind  ToolKind
	color string
}

func Brush(color string) Tool { return Tool{kind: ToolBrush, color: color} }

func Eraser() Tool { return Tool{kind: ToolEraser} }

// Resolves a tool from its wire name. An eraser ignores color; a brush with
// no color falls back to fallback.
func ParseTool(kind, color, fallback string) (Tool, error) {
	switch ToolKind(kind) {
	case ToolBrush, "":
		if color == "" {
			color = fallback
		}
		return Brush(color), nil
	case ToolEraser:
		return Eraser(), nil
	default:
		return Tool{}, fmt.Errorf("unknown tool %q", kind)
	}
}

func (t Tool) Kind() ToolKind {
	if t.kind == "" {
		return ToolBrush
	}
	return t.kind
}

func (t Tool) IsEraser() bool { return t.kind == ToolEraser }

// Color reports the brush colour; ok is false for erasers.
func (t Tool) Color() (color string, ok bool) {
	if t.IsEraser() {
		return "", false
	}
	return t.color, true
}

// Operation is one committed stroke. It is never modified after it has been
// appended to a Log.
type Operation struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Tool        Tool
	Width       float64
	Points      []Point
	CommittedAt time.Time
}

type operationJSON struct {
	ID          string   `json:"id"`
	AuthorID    string   `json:"authorId"`
	AuthorName  string   `json:"authorName,omitempty"`
	Tool        ToolKind `json:"tool"`
	Color       *string  `json:"color"`
	Width       float64  `json:"width"`
	Points      []Point  `json:"points"`
	CommittedAt int64    `json:"committedAt"`
}

func (op Operation) MarshalJSON() ([]byte, error) {
	out := operationJSON{
		ID:          op.ID,
		AuthorID:    op.AuthorID,
		AuthorName:  op.AuthorName,
		Tool:        op.Tool.Kind(),
		Width:       op.Width,
		Points:      op.Points,
		CommittedAt: op.CommittedAt.UnixMilli(),
	}
	if out.Points == nil {
		out.Points = []Point{}
	}
	if c, ok := op.Tool.Color(); ok {
		out.Color = &c
	}
	return json.Marshal(out)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var in operationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	color := ""
	if in.Color != nil {
		color = *in.Color
	}
	tool, err := ParseTool(string(in.Tool), color, "")
	if err != nil {
		return err
	}
	*op = Operation{
		ID:          in.ID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		Tool:        tool,
		Width:       in.Width,
		Points:      in.Points,
		CommittedAt: time.UnixMilli(in.CommittedAt),
	}
	return nil
}
