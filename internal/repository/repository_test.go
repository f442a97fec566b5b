package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseRoomRepository(t *testing.T, repo RoomRepository) {
	t.Helper()
	ctx := context.Background()

	room := domain.NewRoom("Weekly sync", "customer-42", time.Time{})
	require.NoError(t, repo.Create(ctx, room))
	assert.ErrorIs(t, repo.Create(ctx, room), ErrRoomCodeExists)

	got, err := repo.GetByCode(ctx, " "+room.Code+" ")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, "Weekly sync", got.Title)
	assert.Equal(t, domain.RoomStatusLive, got.Status)

	got.Title = "Weekly sync (moved)"
	require.NoError(t, repo.Update(ctx, got))

	require.NoError(t, repo.MarkEnded(ctx, room.Code))
	require.NoError(t, repo.MarkEnded(ctx, room.Code))

	ended, err := repo.GetByCode(ctx, room.Code)
	require.NoError(t, err)
	assert.Equal(t, "Weekly sync (moved)", ended.Title)
	assert.Equal(t, domain.RoomStatusEnded, ended.Status)
	assert.False(t, ended.IsJoinable())

	_, err = repo.GetByCode(ctx, "NOPE22")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, repo.MarkEnded(ctx, "NOPE22"), ErrRoomNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.Room{Code: "NOPE22"}), ErrRoomNotFound)
}

func TestInMemoryRoomRepository(t *testing.T) {
	exerciseRoomRepository(t, NewInMemoryRoomRepository())
}

func TestInMemoryRoomRepositoryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewInMemoryRoomRepository().GetByCode(ctx, "ABC123")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisRoomRepository(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseRoomRepository(t, NewRedisRoomRepository(client))
}

func TestPostgresModelConversion(t *testing.T) {
	scheduled := time.Now().Add(time.Hour)
	room := domain.NewRoom("Planning", "customer-7", scheduled)

	m := toModelRoom(room)
	require.NotNil(t, m.ScheduledAt)
	assert.Nil(t, m.EndedAt)
	assert.Equal(t, string(domain.RoomStatusScheduled), m.Status)

	back := toDomainRoom(m)
	assert.Equal(t, room.ID, back.ID)
	assert.Equal(t, room.Code, back.Code)
	assert.True(t, room.ScheduledAt.Equal(back.ScheduledAt))
	assert.True(t, back.EndedAt.IsZero())
}
