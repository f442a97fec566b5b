package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

var (
	ErrTitleRequired = errors.New("room title is required")
	ErrTitleTooLong  = errors.New("room title is too long")
	ErrOwnerRequired = errors.New("room owner is required")
	ErrNotOwner      = errors.New("only the room owner may do this")
	ErrCodeExhausted = errors.New("could not allocate a free room code")
)

const (
	maxTitleLength    = 255
	maxCreateAttempts = 5
)

type RoomService struct {
	rooms repository.RoomRepository
	log   *slog.Logger
}

func NewRoomService(rooms repository.RoomRepository, log *slog.Logger) *RoomService {
	if log == nil {
		log = slog.Default()
	}
	return &RoomService{
		rooms: rooms,
		log:   log,
	}
}

func (s *RoomService) CreateRoom(ctx context.Context, title string, ownerRef string, scheduledAt time.Time) (*domain.Room, error) {
	const op = "service.room.create"
	log := s.log.With(slog.String("op", op))

	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, ErrTitleTooLong
	}
	if ownerRef == "" {
		return nil, ErrOwnerRequired
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		room := domain.NewRoom(title, ownerRef, scheduledAt)
		if err := s.rooms.Create(ctx, room); err != nil {
			if errors.Is(err, repository.ErrRoomCodeExists) {
				log.Debug("room code taken, retrying", slog.String("code", room.Code))
				continue
			}
			log.Error("failed to create room", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		log.Info("room created", slog.String("code", room.Code), slog.String("status", string(room.Status)))
		return room, nil
	}
	return nil, ErrCodeExhausted
}

func (s *RoomService) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	room, err := s.rooms.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.logRoom(room)
	return room, nil
}

// EndRoom marks the room ended. Ending an ended room is not an error.
func (s *RoomService) EndRoom(ctx context.Context, code string, ownerRef string) (*domain.Room, error) {
	const op = "service.room.end"
	log := s.log.With(slog.String("op", op), slog.String("code", code))

	room, err := s.rooms.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.OwnerRef != ownerRef {
		return nil, ErrNotOwner
	}
	if room.Status == domain.RoomStatusEnded {
		return room, nil
	}

	if err := s.rooms.MarkEnded(ctx, room.Code); err != nil {
		log.Error("failed to end room", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("room ended")
	return s.rooms.GetByCode(ctx, room.Code)
}

func (s *RoomService) logRoom(room *domain.Room) {
	s.log.Debug("room requested",
		slog.String("code", room.Code),
		slog.String("status", string(room.Status)),
	)
}
