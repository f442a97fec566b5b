package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	RoomCodeLength = 6
	roomCodeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type RoomStatus string

const (
	RoomStatusScheduled RoomStatus = "scheduled"
	RoomStatusLive      RoomStatus = "live"
	RoomStatusEnded     RoomStatus = "ended"
)

// Room is the metadata record of a meeting. It is looked up before a
// participant joins and marked ended when the last participant tears down.
type Room struct {
	ID          uuid.UUID
	Code        string
	Title       string
	Status      RoomStatus
	OwnerRef    string
	ScheduledAt time.Time
	CreatedAt   time.Time
	EndedAt     time.Time
}

// NewRoom constructs a room with a generated code.
func NewRoom(title string, ownerRef string, scheduledAt time.Time) *Room {
	now := time.Now().UTC()
	status := RoomStatusLive
	if scheduledAt.After(now) {
		status = RoomStatusScheduled
	}
	return &Room{
		ID:          uuid.New(),
		Code:        GenerateRoomCode(),
		Title:       title,
		Status:      status,
		OwnerRef:    ownerRef,
		ScheduledAt: scheduledAt.UTC(),
		CreatedAt:   now,
	}
}

// IsJoinable reports whether participants may still enter the room.
func (r *Room) IsJoinable() bool {
	return r != nil && r.Status != RoomStatusEnded
}

// End marks the room as finished.
func (r *Room) End() {
	if r.Status == RoomStatusEnded {
		return
	}
	r.Status = RoomStatusEnded
	r.EndedAt = time.Now().UTC()
}

// GenerateRoomCode returns a random code without ambiguous characters.
func GenerateRoomCode() string {
	code := make([]byte, RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeChars))))
		if err != nil {
			code[i] = roomCodeChars[i%len(roomCodeChars)]
			continue
		}
		code[i] = roomCodeChars[n.Int64()]
	}
	return string(code)
}

// NormalizeRoomCode ensures consistent formatting (uppercase, trimmed).
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
