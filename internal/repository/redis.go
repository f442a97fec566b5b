package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/redis/go-redis/v9"
)

const roomTTL = 24 * time.Hour

type RedisRoomRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRoomRepository(client *redis.Client) *RedisRoomRepository {
	return &RedisRoomRepository{client: client, ttl: roomTTL}
}

type redisRoom struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Title       string    `json:"title"`
	Status      string    `json:"status"`
	OwnerRef    string    `json:"owner_ref"`
	ScheduledAt time.Time `json:"scheduled_at"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at"`
}

func roomKey(code string) string {
	return "room:" + code
}

func (r *RedisRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	data, err := encodeRedisRoom(room)
	if err != nil {
		return err
	}

	ok, err := r.client.SetNX(ctx, roomKey(room.Code), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store room: %w", err)
	}
	if !ok {
		return ErrRoomCodeExists
	}
	return nil
}

func (r *RedisRoomRepository) GetByCode(ctx context.Context, code string) (*domain.Room, error) {
	data, err := r.client.Get(ctx, roomKey(domain.NormalizeRoomCode(code))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	return decodeRedisRoom(data)
}

func (r *RedisRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	data, err := encodeRedisRoom(room)
	if err != nil {
		return err
	}

	ok, err := r.client.SetXX(ctx, roomKey(room.Code), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update room: %w", err)
	}
	if !ok {
		return ErrRoomNotFound
	}
	return nil
}

func (r *RedisRoomRepository) MarkEnded(ctx context.Context, code string) error {
	room, err := r.GetByCode(ctx, code)
	if err != nil {
		return err
	}
	room.End()
	return r.Update(ctx, room)
}

func encodeRedisRoom(room *domain.Room) ([]byte, error) {
	if room == nil {
		return nil, errors.New("room is nil")
	}
	return json.Marshal(redisRoom{
		ID:          room.ID.String(),
		Code:        room.Code,
		Title:       room.Title,
		Status:      string(room.Status),
		OwnerRef:    room.OwnerRef,
		ScheduledAt: room.ScheduledAt,
		CreatedAt:   room.CreatedAt,
		EndedAt:     room.EndedAt,
	})
}

func decodeRedisRoom(data []byte) (*domain.Room, error) {
	var stored redisRoom
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse room data: %w", err)
	}

	room := &domain.Room{
		Code:        stored.Code,
		Title:       stored.Title,
		Status:      domain.RoomStatus(stored.Status),
		OwnerRef:    stored.OwnerRef,
		ScheduledAt: stored.ScheduledAt,
		CreatedAt:   stored.CreatedAt,
		EndedAt:     stored.EndedAt,
	}
	if err := room.ID.UnmarshalText([]byte(stored.ID)); err != nil {
		return nil, fmt.Errorf("failed to parse room id: %w", err)
	}
	return room, nil
}
