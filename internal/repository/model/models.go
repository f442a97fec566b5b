package model

import (
	"time"

	"github.com/google/uuid"
)

type Room struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Code        string     `gorm:"size:16;uniqueIndex;not null"`
	Title       string     `gorm:"size:255;not null"`
	Status      string     `gorm:"size:32;not null"`
	OwnerRef    string     `gorm:"size:255;index"`
	ScheduledAt *time.Time `gorm:"index"`
	CreatedAt   time.Time  `gorm:"not null"`
	EndedAt     *time.Time
	UpdatedAt   time.Time
}
