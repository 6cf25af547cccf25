package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Duet/internal/domain"
)

// redisStore persists message records in redis: one JSON blob per id plus
// a per-room sorted set scored by CreatedAt for ordered listing.
type redisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) Store {
	return &redisStore{client: client}
}

func messageKey(id string) string         { return "msg:" + id }
func roomKey(roomID domain.RoomID) string { return "room:" + string(roomID) + ":messages" }

func (s *redisStore) Put(ctx context.Context, rec domain.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, messageKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	if !ok {
		return ErrExists
	}
	err = s.client.ZAdd(ctx, roomKey(rec.RoomID), redis.Z{
		Score:  float64(rec.CreatedAt),
		Member: rec.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index record: %w", err)
	}
	return nil
}

func (s *redisStore) GetByID(ctx context.Context, id string) (domain.MessageRecord, error) {
	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if err == redis.Nil {
		return domain.MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.MessageRecord{}, fmt.Errorf("get record: %w", err)
	}
	var rec domain.MessageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.MessageRecord{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *redisStore) ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.MessageRecord, error) {
	ids, err := s.client.ZRange(ctx, roomKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list room: %w", err)
	}
	out := make([]domain.MessageRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetByID(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) Update(ctx context.Context, id string, patch Patch) error {
	key := messageKey(id)
	// Watch makes read-modify-write atomic per id; a concurrent writer
	// aborts the transaction and the caller sees the error.
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		var rec domain.MessageRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("unmarshal record: %w", err)
		}
		if patch.DeliveredAt != nil {
			rec.DeliveredAt = patch.DeliveredAt
		}
		if patch.ReadAt != nil {
			rec.ReadAt = patch.ReadAt
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) DeleteByRoom(ctx context.Context, roomID domain.RoomID) error {
	ids, err := s.client.ZRange(ctx, roomKey(roomID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list room: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, messageKey(id))
	}
	pipe.Del(ctx, roomKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}
