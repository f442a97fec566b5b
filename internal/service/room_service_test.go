package service

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() *RoomService {
	return NewRoomService(repository.NewInMemoryRoomRepository(), slog.New(slog.DiscardHandler))
}

func TestCreateRoomValidates(t *testing.T) {
	s := newService()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, "  ", "owner", time.Time{})
	assert.ErrorIs(t, err, ErrTitleRequired)
	_, err = s.CreateRoom(ctx, strings.Repeat("x", maxTitleLength+1), "owner", time.Time{})
	assert.ErrorIs(t, err, ErrTitleTooLong)
	_, err = s.CreateRoom(ctx, "Standup", "", time.Time{})
	assert.ErrorIs(t, err, ErrOwnerRequired)
}

func TestCreateAndGetRoom(t *testing.T) {
	s := newService()
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, " Standup ", "owner", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "Standup", room.Title)
	assert.Equal(t, domain.RoomStatusLive, room.Status)
	assert.Len(t, room.Code, domain.RoomCodeLength)

	scheduled, err := s.CreateRoom(ctx, "Retro", "owner", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusScheduled, scheduled.Status)

	got, err := s.GetRoom(ctx, strings.ToLower(room.Code))
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	_, err = s.GetRoom(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, repository.ErrRoomNotFound)
}

func TestEndRoomRequiresOwner(t *testing.T) {
	s := newService()
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "Standup", "owner", time.Time{})
	require.NoError(t, err)

	_, err = s.EndRoom(ctx, room.Code, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)

	ended, err := s.EndRoom(ctx, room.Code, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusEnded, ended.Status)
	assert.False(t, ended.EndedAt.IsZero())

	again, err := s.EndRoom(ctx, room.Code, "owner")
	require.NoError(t, err)
	assert.Equal(t, ended.EndedAt, again.EndedAt)
}
