// Package presence mirrors who is in which room into Redis, so dashboards
// and sibling processes can see occupancy without talking to the server.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/easel/internal/journal"
)

const roomsKey = "presence:rooms"

func roomKey(roomID string) string { return "presence:room:" + roomID }

type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Sink struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewSink(rdb *redis.Client, ttl time.Duration) *Sink {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Sink{rdb: rdb, ttl: ttl}
}

func (s *Sink) Name() string { return "presence" }

func (s *Sink) Write(ctx context.Context, evt journal.Event) error {
	key := roomKey(evt.RoomID)

	switch evt.Kind {
	case journal.KindUserJoined:
		member, err := json.Marshal(Member{ID: evt.ActorID, Name: evt.ActorName, Color: evt.Color})
		if err != nil {
			return err
		}
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, evt.ActorID, member)
		pipe.Expire(ctx, key, s.ttl)
		pipe.SAdd(ctx, roomsKey, evt.RoomID)
		_, err = pipe.Exec(ctx)
		return err

	case journal.KindUserLeft:
		if err := s.rdb.HDel(ctx, key, evt.ActorID).Err(); err != nil {
			return err
		}
		n, err := s.rdb.HLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.rdb.SRem(ctx, roomsKey, evt.RoomID).Err()
		}
		return nil

	case journal.KindRoomReclaimed:
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, key)
		pipe.SRem(ctx, roomsKey, evt.RoomID)
		_, err := pipe.Exec(ctx)
		return err

	default:
		// Activity keeps an occupied room's entry alive.
		return s.rdb.Expire(ctx, key, s.ttl).Err()
	}
}

// Refresh extends the expiry of the given rooms' entries. The janitor calls it
// for occupied rooms so quiet ones don't fall out of the mirror.
func (s *Sink) Refresh(ctx context.Context, roomIDs []string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, id := range roomIDs {
		pipe.Expire(ctx, roomKey(id), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Members returns the users recorded for a room, ordered by id.
func (s *Sink) Members(ctx context.Context, roomID string) ([]Member, error) {
	raw, err := s.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(raw))
	for _, v := range raw {
		var m Member
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// Rooms returns the ids of rooms with at least one recorded member. Ids whose
// entry has expired are dropped from the index.
func (s *Sink) Rooms(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		exists[i] = pipe.Exists(ctx, roomKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	rooms := make([]string, 0, len(ids))
	var stale []any
	for i, id := range ids {
		if exists[i].Val() == 0 {
			stale = append(stale, id)
			continue
		}
		rooms = append(rooms, id)
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, roomsKey, stale...).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}
