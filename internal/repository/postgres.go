package repository

import (
	"context"
	"errors"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/repository/model"
	"gorm.io/gorm"
)

type PostgresRoomRepository struct {
	db *gorm.DB
}

func NewPostgresRoomRepository(db *gorm.DB) *PostgresRoomRepository {
	return &PostgresRoomRepository{db: db}
}

func (r *PostgresRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == nil {
		return errors.New("room is nil")
	}

	if err := r.db.WithContext(ctx).Create(toModelRoom(room)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrRoomCodeExists
		}
		return err
	}
	return nil
}

func (r *PostgresRoomRepository) GetByCode(ctx context.Context, code string) (*domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var room model.Room
	err := r.db.WithContext(ctx).First(&room, "code = ?", domain.NormalizeRoomCode(code)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	return toDomainRoom(&room), nil
}

func (r *PostgresRoomRepository) Update(ctx context.Context, room *domain.Room) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if room == nil {
		return errors.New("room is nil")
	}

	roomModel := toModelRoom(room)
	updates := map[string]any{
		"title":     roomModel.Title,
		"status":    roomModel.Status,
		"owner_ref": roomModel.OwnerRef,
	}
	if roomModel.EndedAt == nil {
		updates["ended_at"] = gorm.Expr("NULL")
	} else {
		updates["ended_at"] = roomModel.EndedAt
	}

	res := r.db.WithContext(ctx).Model(&model.Room{}).Where("code = ?", roomModel.Code).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (r *PostgresRoomRepository) MarkEnded(ctx context.Context, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	res := r.db.WithContext(ctx).Model(&model.Room{}).
		Where("code = ? AND status <> ?", domain.NormalizeRoomCode(code), string(domain.RoomStatusEnded)).
		Updates(map[string]any{
			"status":   string(domain.RoomStatusEnded),
			"ended_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Either unknown or already ended; only the former is an error.
		if _, err := r.GetByCode(ctx, code); err != nil {
			return err
		}
	}
	return nil
}

func toModelRoom(room *domain.Room) *model.Room {
	return &model.Room{
		ID:          room.ID,
		Code:        room.Code,
		Title:       room.Title,
		Status:      string(room.Status),
		OwnerRef:    room.OwnerRef,
		ScheduledAt: optionalTime(room.ScheduledAt),
		CreatedAt:   room.CreatedAt.UTC(),
		EndedAt:     optionalTime(room.EndedAt),
	}
}

func toDomainRoom(room *model.Room) *domain.Room {
	result := &domain.Room{
		ID:        room.ID,
		Code:      room.Code,
		Title:     room.Title,
		Status:    domain.RoomStatus(room.Status),
		OwnerRef:  room.OwnerRef,
		CreatedAt: room.CreatedAt.UTC(),
	}
	if room.ScheduledAt != nil {
		result.ScheduledAt = room.ScheduledAt.UTC()
	}
	if room.EndedAt != nil {
		result.EndedAt = room.EndedAt.UTC()
	}
	return result
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
