package service

import (
	"context"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

type RoomInteractor interface {
	CreateRoom(ctx context.Context, title string, ownerRef string, scheduledAt time.Time) (*domain.Room, error)
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	EndRoom(ctx context.Context, code string, ownerRef string) (*domain.Room, error)
}
