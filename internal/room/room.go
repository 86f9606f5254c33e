package room

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/journal"
	"github.com/manpreetbhatti/easel/internal/protocol"
)

const maxDisplayName = 32

// ErrRoomClosed is returned when joining a room that was reclaimed after it
// was looked up.
var ErrRoomClosed = errors.New("room closed")

// Presence colours, handed out round-robin per room.
var Palette = []string{
	"#e6194B", "#3cb44b", "#ffe119", "#0082c8", "#f58231", "#911eb4", "#46f0f0", "#f032e6",
	"#d2f53c", "#fabebe", "#008080", "#e6beff", "#aa6e28", "#fffac8", "#800000", "#aaffc3",
	"#808000", "#ffd8b1", "#000080", "#808080",
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Sink receives encoded frames for one connection. Deliver must not block.
type Sink interface {
	Deliver(msg []byte)
}

type StateInit struct {
	Room     string          `json:"room"`
	Self     User            `json:"self"`
	Revision uint64          `json:"revision"`
	Log      canvas.Snapshot `json:"log"`
}

type Stats struct {
	ID             string `json:"id"`
	HasPassword    bool   `json:"has_password"`
	UserCount      int    `json:"user_count"`
	Revision       uint64 `json:"revision"`
	OperationCount int    `json:"operation_count"`
	ActiveCount    int    `json:"active_count"`
	VisibleCount   int    `json:"visible_count"`
}

type member struct {
	user User
	sink Sink
	seq  uint64
}

// Room owns one canvas log and the users drawing on it. All mutations and the
// frames they produce happen under one lock, so every member observes the
// room's events in the same order the log recorded them.
type Room struct {
	ID     string
	digest string

	mu           sync.Mutex
	members      map[string]*member
	joinSeq      uint64
	colorCounter int
	log          *canvas.Log
	closed       bool
	journal      journal.Publisher
}

func newRoom(id, digest string, pub journal.Publisher) *Room {
	if pub == nil {
		pub = journal.Discard
	}
	return &Room{
		ID:      id,
		digest:  digest,
		members: make(map[string]*member),
		log:     canvas.NewLog(),
		journal: pub,
	}
}

func (r *Room) HasPassword() bool { return r.digest != "" }

func displayName(connID, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		prefix := connID
		if len(prefix) > 5 {
			prefix = prefix[:5]
		}
		return "Guest-" + prefix
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}
	return name
}

// AddUser registers a connection, sends it the full room state and
// broadcasts the updated presence list.
func (r *Room) AddUser(connID, name string, sink Sink) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return User{}, ErrRoomClosed
	}

	user := User{
		ID:    connID,
		Name:  displayName(connID, name),
		Color: Palette[r.colorCounter%len(Palette)],
	}
	r.colorCounter++
	r.joinSeq++
	r.members[connID] = &member{user: user, sink: sink, seq: r.joinSeq}

	r.sendLocked(sink, protocol.EventStateInit, StateInit{
		Room:     r.ID,
		Self:     user,
		Revision: r.log.Revision(),
		Log:      r.log.Snapshot(),
	})
	r.broadcastLocked(protocol.EventUserList, r.usersLocked(), "")
	r.publishLocked(journal.Event{
		Kind:      journal.KindUserJoined,
		ActorID:   user.ID,
		ActorName: user.Name,
		Color:     user.Color,
	})
	return user, nil
}

// RemoveUser drops a connection and broadcasts the presence list. The user's
// operations stay in the log untouched.
func (r *Room) RemoveUser(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return User{}, false
	}
	delete(r.members, connID)

	r.broadcastLocked(protocol.EventUserList, r.usersLocked(), "")
	r.publishLocked(journal.Event{
		Kind:      journal.KindUserLeft,
		ActorID:   m.user.ID,
		ActorName: m.user.Name,
	})
	return m.user, true
}

func (r *Room) Member(connID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return User{}, false
	}
	return m.user, true
}

// Users returns the present users in join order.
func (r *Room) Users() []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Room) usersLocked() []User {
	ms := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })

	users := make([]User, len(ms))
	for i, m := range ms {
		users[i] = m.user
	}
	return users
}

func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Commit appends op to the log and announces it to every member, the author
// included.
func (r *Room) Commit(op canvas.Operation) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.Append(op)
	rev := r.log.Revision()

	r.broadcastLocked(protocol.EventOpAppend, protocol.OpAppend{Revision: rev, Operation: op}, "")
	r.publishLocked(journal.Event{
		Kind:      journal.KindOpCommitted,
		ActorID:   op.AuthorID,
		ActorName: op.AuthorName,
		Operation: &op,
	})
	return rev
}

func (r *Room) UndoAuthor(author string) bool {
	return r.history(journal.KindUndo, journal.ScopeAuthor, author, func() bool { return r.log.UndoAuthor(author) })
}

func (r *Room) RedoAuthor(author string) bool {
	return r.history(journal.KindRedo, journal.ScopeAuthor, author, func() bool { return r.log.RedoAuthor(author) })
}

func (r *Room) UndoGlobal() bool {
	return r.history(journal.KindUndo, journal.ScopeGlobal, "", r.log.UndoGlobal)
}

func (r *Room) RedoGlobal() bool {
	return r.history(journal.KindRedo, journal.ScopeGlobal, "", r.log.RedoGlobal)
}

// Runs an undo/redo step; on change the whole room gets a full snapshot since
// any number of operations may have changed visibility.
func (r *Room) history(kind journal.Kind, scope journal.Scope, actor string, step func() bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !step() {
		return false
	}
	r.broadcastLocked(protocol.EventStateFull, r.stateFullLocked(), "")
	r.publishLocked(journal.Event{Kind: kind, Scope: scope, ActorID: actor})
	return true
}

// Resync sends the current full state to a single member.
func (r *Room) Resync(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return false
	}
	r.sendLocked(m.sink, protocol.EventStateFull, r.stateFullLocked())
	return true
}

func (r *Room) stateFullLocked() protocol.StateFull {
	return protocol.StateFull{Revision: r.log.Revision(), Log: r.log.Snapshot()}
}

// Relay forwards an ephemeral event to every member except the sender.
func (r *Room) Relay(fromConnID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(event, payload, fromConnID)
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ID:             r.ID,
		HasPassword:    r.HasPassword(),
		UserCount:      len(r.members),
		Revision:       r.log.Revision(),
		OperationCount: r.log.Len(),
		ActiveCount:    r.log.ActiveCount(),
		VisibleCount:   r.log.VisibleCount(),
	}
}

// Visible returns the current render set and the revision it belongs to.
func (r *Room) Visible() ([]canvas.Operation, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Visible(), r.log.Revision()
}

func (r *Room) broadcastLocked(event string, payload any, except string) {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("Room %s: failed to encode %s: %v", r.ID, event, err)
		return
	}
	for id, m := range r.members {
		if id != except {
			m.sink.Deliver(msg)
		}
	}
}

func (r *Room) sendLocked(sink Sink, event string, payload any) {
	msg, err := protocol.Encode(event, payload)
	if err != nil {
		log.Printf("Room %s: failed to encode %s: %v", r.ID, event, err)
		return
	}
	sink.Deliver(msg)
}

func (r *Room) publishLocked(evt journal.Event) {
	evt.RoomID = r.ID
	evt.Revision = r.log.Revision()
	evt.Protected = r.HasPassword()
	evt.At = time.Now().UTC()
	r.journal.Publish(evt)
}
