package room

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/manpreetbhatti/easel/internal/journal"
	"github.com/manpreetbhatti/easel/internal/protocol"
)

const MaxRoomName = 64

var (
	ErrInvalidName   = errors.New("invalid room name")
	ErrAlreadyExists = errors.New("room already exists")
	ErrNotFound      = errors.New("room not found")
	ErrBadPassword   = errors.New("incorrect password")
)

// NormalizeName trims a requested room id and checks its length.
func NormalizeName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || utf8.RuneCountInString(id) > MaxRoomName {
		return "", ErrInvalidName
	}
	return id, nil
}

type Options struct {
	Hasher  PasswordHasher
	Journal journal.Publisher
}

// Registry is the directory of live rooms.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*Room
	hasher  PasswordHasher
	journal journal.Publisher
}

func NewRegistry(opts Options) *Registry {
	if opts.Hasher == nil {
		opts.Hasher = BcryptHasher{}
	}
	if opts.Journal == nil {
		opts.Journal = journal.Discard
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		hasher:  opts.Hasher,
		journal: opts.Journal,
	}
}

// Create makes a new room. An empty password makes the room public.
func (g *Registry) Create(id, password string) (*Room, error) {
	return g.CreateAndEnter(id, password, nil)
}

// CreateAndEnter creates a room and runs enter on it before the room is
// visible to other callers, so a protected room always has its creator inside
// when Reclaim first sees it. If enter fails the room is discarded.
func (g *Registry) CreateAndEnter(id, password string, enter func(*Room) error) (*Room, error) {
	id, err := NormalizeName(id)
	if err != nil {
		return nil, err
	}

	// Hashing is slow, keep it out of the registry lock.
	if _, ok := g.Get(id); ok {
		return nil, ErrAlreadyExists
	}
	var digest string
	if password != "" {
		if digest, err = g.hasher.Hash(password); err != nil {
			return nil, fmt.Errorf("hash room password: %w", err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[id]; ok {
		return nil, ErrAlreadyExists
	}
	r := newRoom(id, digest, g.journal)
	g.publishCreated(r)
	if enter != nil {
		if err := enter(r); err != nil {
			return nil, err
		}
	}
	g.rooms[id] = r
	log.Printf("🎨 Room created: %s (protected=%v)", id, r.HasPassword())
	return r, nil
}

// Join looks up an existing room and checks the password of a protected one.
func (g *Registry) Join(id, password string) (*Room, error) {
	id, err := NormalizeName(id)
	if err != nil {
		return nil, err
	}
	r, ok := g.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if r.HasPassword() && !g.hasher.Verify(r.digest, password) {
		return nil, ErrBadPassword
	}
	return r, nil
}

// Ensure returns the named room, creating it public if absent.
func (g *Registry) Ensure(id string) (*Room, error) {
	id, err := NormalizeName(id)
	if err != nil {
		return nil, err
	}
	if r, ok := g.Get(id); ok {
		return r, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(id, "", g.journal)
	g.rooms[id] = r
	g.publishCreated(r)
	log.Printf("🎨 Room created: %s (protected=false)", id)
	return r, nil
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[id]
	return r, ok
}

func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

// Rooms returns every live room ordered by id.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// ListPublic summarizes occupied rooms without a password, ordered by id.
func (g *Registry) ListPublic() []protocol.RoomSummary {
	list := []protocol.RoomSummary{}
	for _, r := range g.Rooms() {
		if r.HasPassword() {
			continue
		}
		if n := r.UserCount(); n > 0 {
			list = append(list, protocol.RoomSummary{ID: r.ID, UserCount: n})
		}
	}
	return list
}

// Reclaim removes protected rooms nobody is in and returns their ids.
// Public rooms are kept even when empty.
func (g *Registry) Reclaim() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var reclaimed []string
	for id, r := range g.rooms {
		if !r.HasPassword() {
			continue
		}
		r.mu.Lock()
		if len(r.members) == 0 {
			r.closed = true
			r.publishLocked(journal.Event{Kind: journal.KindRoomReclaimed})
			delete(g.rooms, id)
			reclaimed = append(reclaimed, id)
		}
		r.mu.Unlock()
	}
	sort.Strings(reclaimed)
	return reclaimed
}

func (g *Registry) publishCreated(r *Room) {
	g.journal.Publish(journal.Event{
		Kind:      journal.KindRoomCreated,
		RoomID:    r.ID,
		Protected: r.HasPassword(),
		At:        time.Now().UTC(),
	})
}
