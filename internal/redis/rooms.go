package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	RoomTTL        = 24 * time.Hour
	RoomCodeLength = 6
)

var ErrRoomNotFound = errors.New("room not found")

func roomKey(roomID string) string  { return "room:" + roomID }
func codeKey(code string) string    { return "code:" + code }
func peersKey(roomID string) string { return "room:" + roomID + ":peers" }

// SaveRoom stores room metadata and its code-to-id mapping.
func (s *Store) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, roomKey(room.ID), data, RoomTTL)
	pipe.Set(ctx, codeKey(room.Code), room.ID, RoomTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store room %s: %w", room.ID, err)
	}
	return nil
}

// GetRoom looks a room up by code or by id and fills in the current
// presence count.
func (s *Store) GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error) {
	roomID := identifier

	if len(identifier) == RoomCodeLength {
		id, err := s.client.Get(ctx, codeKey(identifier)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrRoomNotFound
			}
			return nil, fmt.Errorf("failed to resolve room code: %w", err)
		}
		roomID = id
	}

	data, err := s.client.Get(ctx, roomKey(roomID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	count, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count peers: %w", err)
	}
	room.PlayerCount = int(count)
	return &room, nil
}

// DeleteRoom removes the room, its code and its presence set.
func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	if err := s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err(); err != nil {
		return fmt.Errorf("failed to delete room %s: %w", room.ID, err)
	}
	return nil
}

// AddPeer records peerID as present in roomID.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, peersKey(roomID), peerID)
	pipe.Expire(ctx, peersKey(roomID), RoomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RemovePeer drops peerID from roomID's presence set.
func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	return s.client.SRem(ctx, peersKey(roomID), peerID).Err()
}
