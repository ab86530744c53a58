package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Records outlive any realistic session but never accumulate forever.
const recordTTL = 24 * time.Hour

// Store persists room records as JSON under room:<id>. Each record is owned
// exclusively by its actor; nothing else writes these keys.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) key(id string) string { return "room:" + strings.TrimSpace(id) }

func (s *Store) Put(ctx context.Context, r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(r.RoomID), raw, recordTTL).Err()
}

// PutNX writes the record only if no room with this ID exists yet.
func (s *Store) PutNX(ctx context.Context, r *Room) (bool, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.key(r.RoomID), raw, recordTTL).Result()
}

func (s *Store) Get(ctx context.Context, id string) (*Room, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.key(id)).Err()
}
