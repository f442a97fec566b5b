package repository

import (
	"context"
	"errors"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomCodeExists = errors.New("room code already exists")
)

// RoomRepository stores meeting metadata keyed by room code.
type RoomRepository interface {
	Create(ctx context.Context, room *domain.Room) error
	GetByCode(ctx context.Context, code string) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
	MarkEnded(ctx context.Context, code string) error
}
