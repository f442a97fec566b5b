package converter

import (
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
)

type RoomResponse struct {
	ID          uuid.UUID         `json:"id"`
	Code        string            `json:"code"`
	Title       string            `json:"title"`
	Status      domain.RoomStatus `json:"status"`
	Owner       string            `json:"owner"`
	Topic       string            `json:"topic"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Joinable    bool              `json:"joinable"`
}

func RoomToApi(r *domain.Room) *RoomResponse {
	return &RoomResponse{
		ID:          r.ID,
		Code:        r.Code,
		Title:       r.Title,
		Status:      r.Status,
		Owner:       r.OwnerRef,
		Topic:       signaling.Topic(r.Code),
		ScheduledAt: optional(r.ScheduledAt),
		CreatedAt:   r.CreatedAt,
		EndedAt:     optional(r.EndedAt),
		Joinable:    r.IsJoinable(),
	}
}

func optional(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
