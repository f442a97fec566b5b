package repository

import (
	"context"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

type InMemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[string]domain.Room
}

func NewInMemoryRoomRepository() *InMemoryRoomRepository {
	return &InMemoryRoomRepository{
		rooms: make(map[string]domain.Room),
	}
}

func (r *InMemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.Code]; ok {
		return ErrRoomCodeExists
	}

	r.rooms[room.Code] = *room
	return nil
}

func (r *InMemoryRoomRepository) GetByCode(ctx context.Context, code string) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[domain.NormalizeRoomCode(code)]
	if !ok {
		return nil, ErrRoomNotFound
	}

	return &room, nil
}

func (r *InMemoryRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.Code]; !ok {
		return ErrRoomNotFound
	}

	r.rooms[room.Code] = *room
	return nil
}

func (r *InMemoryRoomRepository) MarkEnded(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code = domain.NormalizeRoomCode(code)
	room, ok := r.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}

	room.End()
	r.rooms[code] = room
	return nil
}
