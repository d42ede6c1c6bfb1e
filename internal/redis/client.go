package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/redis/go-redis/v9"
)

// Store keeps room metadata in Redis under three keys per room:
//
//	room:<id>        JSON metadata
//	code:<code>      id lookup for the shareable code
//	room:<id>:peers  set of connected peer ids
//
// All of them expire after the configured TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials Redis and checks the connection with a ping
func Connect(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, ttl), nil
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func roomKey(id string) string   { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string  { return "room:" + id + ":peers" }

func (s *Store) CreateRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, s.ttl)
	pipe.Set(ctx, codeKey(room.Code), room.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store room %s: %w", room.Code, err)
	}
	return nil
}

// CodeTaken reports whether a code already maps to a room
func (s *Store) CodeTaken(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Exists(ctx, codeKey(code)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Room looks a room up by code or by id. Identifiers of code length are
// treated as codes.
func (s *Store) Room(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	id := identifier
	if len(identifier) == models.RoomCodeLength {
		var err error
		id, err = s.client.Get(ctx, codeKey(identifier)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrRoomNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	data, err := s.client.Get(ctx, roomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	var room models.RoomMetadata
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := s.client.SCard(ctx, peersKey(id)).Result()
	if err != nil {
		return nil, err
	}
	room.PlayerCount = int(count)
	return &room, nil
}

func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return s.client.SRem(ctx, peersKey(roomID), peerID).Err()
}

func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	return s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err()
}
