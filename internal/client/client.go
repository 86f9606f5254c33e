// Package client speaks the drawing protocol from the other side of the
// socket and keeps a local replica of the joined room's canvas.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/easel/internal/canvas"
	"github.com/manpreetbhatti/easel/internal/protocol"
	"github.com/manpreetbhatti/easel/internal/room"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("connection closed")

// AckError is a negotiated failure returned by room:create or room:join.
type AckError struct {
	Code    string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	replica *canvas.Replica
	roomID  string
	self    room.User
	users   []room.User
	rooms   []protocol.RoomSummary
	onEvent func(event string, data json.RawMessage)
	syncing bool
	// closed and replaced on every state change
	changed chan struct{}

	ackMu   sync.Mutex
	nextAck uint64
	pending map[uint64]chan protocol.AckReply

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a drawing server websocket endpoint, e.g.
// ws://localhost:8080/ws, and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		replica: canvas.NewReplica(),
		changed: make(chan struct{}),
		pending: make(map[uint64]chan protocol.AckReply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnEvent registers a callback for relayed events (cursor and live strokes).
// It runs on the read loop and must not block.
func (c *Client) OnEvent(fn func(event string, data json.RawMessage)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

func (c *Client) Create(ctx context.Context, roomID, password, username string) error {
	return c.enter(ctx, protocol.EventRoomCreate, roomID, password, username)
}

func (c *Client) Join(ctx context.Context, roomID, password, username string) error {
	return c.enter(ctx, protocol.EventRoomJoin, roomID, password, username)
}

func (c *Client) enter(ctx context.Context, event, roomID, password, username string) error {
	reply, err := c.request(ctx, event, protocol.RoomRequest{Room: roomID, Password: password, Username: username})
	if err != nil {
		return err
	}
	if !reply.Success {
		return &AckError{Code: reply.Code, Message: reply.Error}
	}
	return nil
}

func (c *Client) request(ctx context.Context, event string, data any) (protocol.AckReply, error) {
	c.ackMu.Lock()
	c.nextAck++
	id := c.nextAck
	ch := make(chan protocol.AckReply, 1)
	c.pending[id] = ch
	c.ackMu.Unlock()

	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	msg, err := json.Marshal(protocol.Frame{Event: event, Data: data, Ack: &id})
	if err != nil {
		return protocol.AckReply{}, err
	}
	if err := c.write(msg); err != nil {
		return protocol.AckReply{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return protocol.AckReply{}, ctx.Err()
	case <-c.done:
		return protocol.AckReply{}, c.Err()
	}
}

// Send writes one fire-and-forget event.
func (c *Client) Send(event string, data any) error {
	msg, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) write(msg []byte) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Client) Cursor(x, y float64) error {
	return c.Send(protocol.EventCursorMove, protocol.Cursor{X: &x, Y: &y})
}

func (c *Client) Undo() error { return c.Send(protocol.EventUndo, nil) }

func (c *Client) Redo() error { return c.Send(protocol.EventRedo, nil) }

// Sync asks the server for a full snapshot.
func (c *Client) Sync() error { return c.Send(protocol.EventStateSync, nil) }

// AddLocal shows op optimistically until its commit arrives.
func (c *Client) AddLocal(op canvas.Operation) {
	c.mu.Lock()
	c.replica.AddLocal(op)
	c.notifyLocked()
	c.mu.Unlock()
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) Self() room.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

func (c *Client) Users() []room.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]room.User(nil), c.users...)
}

func (c *Client) Rooms() []protocol.RoomSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.RoomSummary(nil), c.rooms...)
}

func (c *Client) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Revision()
}

func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Synced()
}

// Visible is the current render set.
func (c *Client) Visible() []canvas.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Visible()
}

// Await blocks until cond holds for the client or ctx ends. cond is evaluated
// after every state change.
func (c *Client) Await(ctx context.Context, cond func(*Client) bool) error {
	for {
		c.mu.Lock()
		ch := c.changed
		c.mu.Unlock()

		if cond(c) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.Err()
		}
	}
}

// AwaitRevision waits until the replica reaches at least revision.
func (c *Client) AwaitRevision(ctx context.Context, revision uint64) error {
	return c.Await(ctx, func(c *Client) bool {
		return c.Synced() && c.Revision() >= revision
	})
}

func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.finish(ErrClosed)
	return c.conn.Close()
}

func (c *Client) finish(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer c.conn.Close()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.finish(fmt.Errorf("%w: %v", ErrClosed, err))
			} else {
				c.finish(ErrClosed)
			}
			return
		}

		in, err := protocol.ParseInbound(message)
		if err != nil {
			log.Printf("⚠️ Dropping unreadable frame: %v", err)
			continue
		}
		if err := c.dispatch(in); err != nil {
			log.Printf("⚠️ Dropping %s: %v", in.Event, err)
		}
	}
}

func (c *Client) dispatch(in protocol.Inbound) error {
	switch in.Event {
	case protocol.EventAck:
		if in.Ack == nil {
			return errors.New("ack without id")
		}
		var reply protocol.AckReply
		if err := json.Unmarshal(in.Data, &reply); err != nil {
			return err
		}
		c.ackMu.Lock()
		ch, ok := c.pending[*in.Ack]
		c.ackMu.Unlock()
		if ok {
			ch <- reply
		}
		return nil

	case protocol.EventStateInit:
		var init room.StateInit
		if err := json.Unmarshal(in.Data, &init); err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.roomID = init.Room
		c.self = init.Self
		c.replica = canvas.NewReplica()
		c.syncing = false
		defer c.notifyLocked()
		return c.replica.Reset(init.Revision, init.Log)

	case protocol.EventStateFull:
		var full protocol.StateFull
		if err := json.Unmarshal(in.Data, &full); err != nil {
			return err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.syncing = false
		defer c.notifyLocked()
		return c.replica.Reset(full.Revision, full.Log)

	case protocol.EventOpAppend:
		var op protocol.OpAppend
		if err := json.Unmarshal(in.Data, &op); err != nil {
			return err
		}
		c.mu.Lock()
		err := c.replica.Apply(op.Revision, op.Operation)
		resync := errors.Is(err, canvas.ErrStale) && !c.syncing
		if resync {
			c.syncing = true
		}
		c.notifyLocked()
		c.mu.Unlock()
		if resync {
			return c.Sync()
		}
		if errors.Is(err, canvas.ErrStale) {
			// a snapshot is already on its way
			return nil
		}
		return err

	case protocol.EventUserList:
		var users []room.User
		if err := json.Unmarshal(in.Data, &users); err != nil {
			return err
		}
		c.mu.Lock()
		c.users = users
		c.notifyLocked()
		c.mu.Unlock()
		return nil

	case protocol.EventRoomsList:
		var rooms []protocol.RoomSummary
		if err := json.Unmarshal(in.Data, &rooms); err != nil {
			return err
		}
		c.mu.Lock()
		c.rooms = rooms
		c.notifyLocked()
		c.mu.Unlock()
		return nil

	default:
		c.mu.Lock()
		fn := c.onEvent
		c.mu.Unlock()
		if fn != nil {
			fn(in.Event, in.Data)
		}
		return nil
	}
}
