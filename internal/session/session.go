// Package session runs the per-connection protocol: a connection starts
// unjoined, enters exactly one room, and leaves it when it disconnects.
package session

import (
	"errors"
	"log"
	"time"

	"github.com/manpreetbhatti/easel/internal/protocol"
	"github.com/manpreetbhatti/easel/internal/relay"
	"github.com/manpreetbhatti/easel/internal/room"
)

// Conn is the outbound side of one client connection.
type Conn interface {
	ID() string
	Deliver(msg []byte)
}

// Broadcaster reaches every connected client, joined or not, other than
// the connection id in except.
type Broadcaster interface {
	BroadcastAll(msg []byte, except string)
}

type Options struct {
	Registry    *room.Registry
	Lobby       Broadcaster
	DefaultRoom string
	Now         func() time.Time
}

// Session is driven from a single goroutine: the connection's read loop.
type Session struct {
	conn Conn
	opts Options

	room *room.Room
	user room.User
}

func New(conn Conn, opts Options) *Session {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DefaultRoom == "" {
		opts.DefaultRoom = "lobby"
	}
	return &Session{conn: conn, opts: opts}
}

func (s *Session) Joined() bool { return s.room != nil }

// RoomID returns the joined room, or "" before a join.
func (s *Session) RoomID() string {
	if s.room == nil {
		return ""
	}
	return s.room.ID
}

func (s *Session) User() room.User { return s.user }

// Greet sends the public room listing to a freshly connected client.
func (s *Session) Greet() {
	if msg, ok := s.roomsList(); ok {
		s.conn.Deliver(msg)
	}
}

// Handle processes one parsed inbound frame.
func (s *Session) Handle(in protocol.Inbound) {
	switch in.Event {
	case protocol.EventRoomCreate, protocol.EventRoomJoin, protocol.EventLegacyJoin:
		s.handleJoin(in)
	case protocol.EventCursorMove:
		s.whenJoined(in, s.handleCursor)
	case protocol.EventStrokeBegin:
		s.whenJoined(in, s.handleStrokeBegin)
	case protocol.EventStrokeChunk:
		s.whenJoined(in, s.handleStrokeChunk)
	case protocol.EventStrokeEnd:
		s.whenJoined(in, s.handleStrokeEnd)
	case protocol.EventUndo:
		s.whenJoined(in, func(protocol.Inbound) { s.room.UndoAuthor(s.user.ID) })
	case protocol.EventRedo:
		s.whenJoined(in, func(protocol.Inbound) { s.room.RedoAuthor(s.user.ID) })
	case protocol.EventStateSync:
		s.whenJoined(in, func(protocol.Inbound) { s.room.Resync(s.conn.ID()) })
	default:
		log.Printf("⚠️ Unknown event %q from client %s", in.Event, s.conn.ID())
	}
}

// Close leaves the joined room, lets the registry reclaim empty protected
// rooms and refreshes everyone's room listing.
func (s *Session) Close() {
	if s.room == nil {
		return
	}
	r := s.room
	s.room = nil

	r.RemoveUser(s.conn.ID())
	log.Printf("Client %s left room %s (remaining: %d)", s.conn.ID(), r.ID, r.UserCount())

	for _, id := range s.opts.Registry.Reclaim() {
		log.Printf("🧹 Room reclaimed: %s", id)
	}
	s.broadcastRooms("")
}

func (s *Session) whenJoined(in protocol.Inbound, fn func(protocol.Inbound)) {
	if s.room == nil {
		log.Printf("⚠️ Dropping %s from unjoined client %s", in.Event, s.conn.ID())
		return
	}
	fn(in)
}

func (s *Session) handleJoin(in protocol.Inbound) {
	if s.room != nil {
		log.Printf("Client %s already in room %s, ignoring %s", s.conn.ID(), s.room.ID, in.Event)
		return
	}

	var req protocol.RoomRequest
	if in.Event == protocol.EventLegacyJoin && (len(in.Data) == 0 || string(in.Data) == "null") {
		req = protocol.RoomRequest{}
	} else {
		var err error
		if req, err = protocol.Decode[protocol.RoomRequest](in.Data); err != nil {
			log.Printf("⚠️ Invalid %s from client %s: %v", in.Event, s.conn.ID(), err)
			s.ack(in, failure(room.ErrInvalidName))
			return
		}
	}

	var (
		r       *room.Room
		err     error
		entered bool
	)
	switch in.Event {
	case protocol.EventRoomCreate:
		// The creator enters before the room is listed, so it can't be reclaimed empty.
		r, err = s.opts.Registry.CreateAndEnter(req.Room, req.Password, func(r *room.Room) error {
			return s.enter(r, req.Username)
		})
		entered = true
	case protocol.EventRoomJoin:
		r, err = s.opts.Registry.Join(req.Room, req.Password)
	default:
		id := req.Room
		if id == "" {
			id = s.opts.DefaultRoom
		}
		r, err = s.opts.Registry.Ensure(id)
	}
	if err == nil && !entered {
		err = s.enter(r, req.Username)
	}
	if err != nil {
		log.Printf("Client %s failed %s %q: %v", s.conn.ID(), in.Event, req.Room, err)
		s.ack(in, failure(err))
		return
	}

	// The joiner sees the refreshed listing before its ack; everyone else
	// gets it through the lobby.
	s.Greet()
	s.broadcastRooms(s.conn.ID())
	s.ack(in, protocol.AckReply{Success: true, Room: r.ID})
}

func (s *Session) enter(r *room.Room, username string) error {
	user, err := r.AddUser(s.conn.ID(), username, s.conn)
	if err != nil {
		return err
	}
	s.room = r
	s.user = user
	log.Printf("Client %s joined room %s as %s (total: %d)", s.conn.ID(), r.ID, user.Name, r.UserCount())
	return nil
}

func (s *Session) handleCursor(in protocol.Inbound) {
	c, err := protocol.Decode[protocol.Cursor](in.Data)
	if err != nil {
		s.malformed(in, err)
		return
	}
	s.room.Relay(s.conn.ID(), protocol.EventCursorMove, relay.Cursor(s.user, c))
}

func (s *Session) handleStrokeBegin(in protocol.Inbound) {
	b, err := protocol.Decode[protocol.StrokeBegin](in.Data)
	if err == nil {
		var out protocol.StrokeBeginRelay
		if out, err = relay.Begin(s.user, b); err == nil {
			s.room.Relay(s.conn.ID(), protocol.EventStrokeBegin, out)
			return
		}
	}
	s.malformed(in, err)
}

func (s *Session) handleStrokeChunk(in protocol.Inbound) {
	c, err := protocol.Decode[protocol.StrokeChunk](in.Data)
	if err != nil {
		s.malformed(in, err)
		return
	}
	s.room.Relay(s.conn.ID(), protocol.EventStrokeChunk, relay.Chunk(s.user, c))
}

func (s *Session) handleStrokeEnd(in protocol.Inbound) {
	e, err := protocol.Decode[protocol.StrokeEnd](in.Data)
	if err == nil {
		op, ferr := relay.Finish(s.user, e, s.opts.Now())
		if ferr == nil {
			s.room.Commit(op)
			return
		}
		err = ferr
	}
	s.malformed(in, err)
}

func (s *Session) malformed(in protocol.Inbound, err error) {
	log.Printf("⚠️ Dropping malformed %s from client %s: %v", in.Event, s.conn.ID(), err)
}

func (s *Session) ack(in protocol.Inbound, reply protocol.AckReply) {
	if in.Ack == nil {
		return
	}
	msg, err := protocol.EncodeAck(*in.Ack, reply)
	if err != nil {
		log.Printf("Failed to encode ack for client %s: %v", s.conn.ID(), err)
		return
	}
	s.conn.Deliver(msg)
}

func (s *Session) roomsList() ([]byte, bool) {
	msg, err := protocol.Encode(protocol.EventRoomsList, s.opts.Registry.ListPublic())
	if err != nil {
		log.Printf("Failed to encode rooms list: %v", err)
		return nil, false
	}
	return msg, true
}

func (s *Session) broadcastRooms(except string) {
	if s.opts.Lobby == nil {
		return
	}
	if msg, ok := s.roomsList(); ok {
		s.opts.Lobby.BroadcastAll(msg, except)
	}
}

func failure(err error) protocol.AckReply {
	switch {
	case errors.Is(err, room.ErrInvalidName):
		return protocol.AckReply{Code: protocol.CodeInvalidName, Error: "Room name must be 1 to 64 characters"}
	case errors.Is(err, room.ErrAlreadyExists):
		return protocol.AckReply{Code: protocol.CodeAlreadyExists, Error: "Room already exists"}
	case errors.Is(err, room.ErrNotFound), errors.Is(err, room.ErrRoomClosed):
		return protocol.AckReply{Code: protocol.CodeNotFound, Error: "Room does not exist"}
	case errors.Is(err, room.ErrBadPassword):
		return protocol.AckReply{Code: protocol.CodeBadPassword, Error: "Incorrect password"}
	default:
		return protocol.AckReply{Error: "Could not join room"}
	}
}
