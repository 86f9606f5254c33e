package journal

import (
	"context"
	"sync"
	"time"

	"github.com/manpreetbhatti/easel/internal/canvas"
)

type Kind string

const (
	KindRoomCreated   Kind = "room.created"
	KindRoomReclaimed Kind = "room.reclaimed"
	KindUserJoined    Kind = "user.joined"
	KindUserLeft      Kind = "user.left"
	KindOpCommitted   Kind = "op.committed"
	KindUndo          Kind = "history.undo"
	KindRedo          Kind = "history.redo"
)

type Scope string

const (
	ScopeAuthor Scope = "author"
	ScopeGlobal Scope = "global"
)

// Event records one state change of a room, after it happened.
type Event struct {
	Kind      Kind              `json:"kind"`
	RoomID    string            `json:"roomId"`
	Revision  uint64            `json:"revision"`
	ActorID   string            `json:"actorId,omitempty"`
	ActorName string            `json:"actorName,omitempty"`
	Color     string            `json:"color,omitempty"`
	Protected bool              `json:"protected,omitempty"`
	Scope     Scope             `json:"scope,omitempty"`
	Operation *canvas.Operation `json:"operation,omitempty"`
	At        time.Time         `json:"at"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(evt Event)
}

// Sink delivers events to an external system. Returning an error makes the
// dispatcher retry.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

// Recorder keeps published events in memory. Handy in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) Kinds() []Kind {
	events := r.Events()
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
