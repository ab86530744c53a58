package matchindex

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	roomsKey       = "index:rooms"
	queueKeyPrefix = "index:queue:"
	anchorPrefix   = "estimate_anchor_"
)

// Store is the write-through persistence behind the in-memory index. The
// in-memory maps stay authoritative; redis only survives restarts.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func queueKey(mainTimeMs int64) string {
	return queueKeyPrefix + strconv.FormatInt(mainTimeMs, 10)
}

func anchorKey(mainTimeMs int64) string {
	return anchorPrefix + strconv.FormatInt(mainTimeMs, 10)
}

func (s *Store) SaveRoom(ctx context.Context, roomID string, raw []byte) error {
	return s.rdb.HSet(ctx, roomsKey, roomID, raw).Err()
}

func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return s.rdb.HDel(ctx, roomsKey, roomID).Err()
}

func (s *Store) LoadRooms(ctx context.Context) (map[string][]byte, error) {
	vals, err := s.rdb.HGetAll(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for id, raw := range vals {
		out[id] = []byte(raw)
	}
	return out, nil
}

func (s *Store) SaveQueue(ctx context.Context, mainTimeMs int64, entries []QueueEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, queueKey(mainTimeMs), raw, 0).Err()
}

func (s *Store) LoadQueue(ctx context.Context, mainTimeMs int64) ([]QueueEntry, error) {
	raw, err := s.rdb.Get(ctx, queueKey(mainTimeMs)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []QueueEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) SaveAnchor(ctx context.Context, mainTimeMs int64, a anchor) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, anchorKey(mainTimeMs), raw, 0).Err()
}

func (s *Store) LoadAnchor(ctx context.Context, mainTimeMs int64) (*anchor, error) {
	raw, err := s.rdb.Get(ctx, anchorKey(mainTimeMs)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a anchor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) Clear(ctx context.Context, timeControls []int64) error {
	keys := []string{roomsKey}
	for _, tc := range timeControls {
		keys = append(keys, queueKey(tc), anchorKey(tc))
	}
	return s.rdb.Del(ctx, keys...).Err()
}
