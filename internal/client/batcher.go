package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/protocol"
)

// DefaultFlushInterval is one display frame.
const DefaultFlushInterval = 16 * time.Millisecond

var ErrNoStroke = errors.New("no stroke in progress")

type Sender interface {
	Send(event string, data any) error
}

// Batcher streams one stroke at a time. Brush points are sent in chunks every
// interval; eraser points go out immediately so remote erasing tracks the
// pointer exactly. A Batcher is driven by a single goroutine.
type Batcher struct {
	sender   Sender
	interval time.Duration
	author   func() (id, name string)

	mu       sync.Mutex
	strokeID string
	tool     canvas.Tool
	width    float64
	points   []canvas.Point
	buffered []canvas.Point
	err      error
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewBatcher(sender Sender, interval time.Duration) *Batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	b := &Batcher{sender: sender, interval: interval}
	if c, ok := sender.(*Client); ok {
		b.author = func() (string, string) {
			self := c.Self()
			return self.ID, self.Name
		}
	}
	return b
}

// Begin starts a stroke and announces it. Any unfinished stroke is discarded.
func (b *Batcher) Begin(tool canvas.Tool, width float64, start canvas.Point) (string, error) {
	b.halt()

	b.mu.Lock()
	b.strokeID = uuid.NewString()
	b.tool = tool
	b.width = width
	b.points = []canvas.Point{start}
	b.buffered = nil
	b.err = nil
	id := b.strokeID
	b.mu.Unlock()

	color, _ := tool.Color()
	err := b.sender.Send(protocol.EventStrokeBegin, protocol.StrokeBegin{
		StrokeID: id,
		Tool:     string(tool.Kind()),
		Color:    color,
		Width:    width,
		Start:    &protocol.WirePoints([]canvas.Point{start})[0],
	})
	if err != nil {
		b.mu.Lock()
		b.strokeID = ""
		b.points = nil
		b.buffered = nil
		b.mu.Unlock()
		return "", err
	}

	if !tool.IsEraser() {
		b.stop = make(chan struct{})
		b.wg.Add(1)
		go b.run(b.stop)
	}
	return id, nil
}

func (b *Batcher) Add(p canvas.Point) error {
	b.mu.Lock()
	if b.strokeID == "" {
		b.mu.Unlock()
		return ErrNoStroke
	}
	b.points = append(b.points, p)
	if !b.tool.IsEraser() {
		b.buffered = append(b.buffered, p)
		b.mu.Unlock()
		return nil
	}
	id := b.strokeID
	b.mu.Unlock()

	return b.sender.Send(protocol.EventStrokeChunk, protocol.StrokeChunk{
		StrokeID: id,
		Points:   protocol.WirePoints([]canvas.Point{p}),
	})
}

// Flush sends any buffered brush points now.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if b.strokeID == "" || len(b.buffered) == 0 {
		b.mu.Unlock()
		return nil
	}
	chunk := protocol.StrokeChunk{StrokeID: b.strokeID, Points: protocol.WirePoints(b.buffered)}
	b.buffered = nil
	b.mu.Unlock()

	return b.sender.Send(protocol.EventStrokeChunk, chunk)
}

// End commits the stroke with its complete point list and returns the
// optimistic operation, which is also handed to the client replica.
func (b *Batcher) End() (canvas.Operation, error) {
	b.halt()
	if err := b.Flush(); err != nil {
		return canvas.Operation{}, err
	}

	b.mu.Lock()
	if b.strokeID == "" {
		b.mu.Unlock()
		return canvas.Operation{}, ErrNoStroke
	}
	op := canvas.Operation{
		ID:          b.strokeID,
		Tool:        b.tool,
		Width:       b.width,
		Points:      b.points,
		CommittedAt: time.Now(),
	}
	background := b.err
	b.strokeID = ""
	b.points = nil
	b.mu.Unlock()

	if background != nil {
		return canvas.Operation{}, background
	}
	if b.author != nil {
		op.AuthorID, op.AuthorName = b.author()
	}

	// Registered before sending so the commit can never overtake it.
	if c, ok := b.sender.(*Client); ok {
		c.AddLocal(op)
	}

	color, _ := op.Tool.Color()
	err := b.sender.Send(protocol.EventStrokeEnd, protocol.StrokeEnd{
		StrokeID: op.ID,
		Tool:     string(op.Tool.Kind()),
		Color:    color,
		Width:    op.Width,
		Points:   protocol.WirePoints(op.Points),
	})
	if err != nil {
		return canvas.Operation{}, err
	}
	return op, nil
}

func (b *Batcher) halt() {
	if b.stop != nil {
		close(b.stop)
		b.wg.Wait()
		b.stop = nil
	}
}

func (b *Batcher) run(stop <-chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.mu.Lock()
				b.err = err
				b.mu.Unlock()
				return
			}
		}
	}
}
