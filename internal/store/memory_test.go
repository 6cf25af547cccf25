package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/domain"
)

func rec(id string, room domain.RoomID, at int64) domain.MessageRecord {
	return domain.MessageRecord{ID: id, RoomID: room, Text: "t-" + id, CreatedAt: at, From: domain.OriginSelf}
}

func TestPutIsCreateOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("a", "ABC123", 1)))
	assert.ErrorIs(t, s.Put(ctx, rec("a", "ABC123", 2)), ErrExists)

	got, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.CreatedAt, "second put must not overwrite")
}

func TestGetByIDNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByRoomOrdersByCreatedAt(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("b", "ABC123", 20)))
	require.NoError(t, s.Put(ctx, rec("a", "ABC123", 10)))
	require.NoError(t, s.Put(ctx, rec("c", "ABC123", 30)))
	require.NoError(t, s.Put(ctx, rec("x", "XYZ789", 5)))

	got, err := s.ListByRoom(ctx, "ABC123")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("a", "ABC123", 1)))

	delivered := int64(100)
	require.NoError(t, s.Update(ctx, "a", Patch{DeliveredAt: &delivered}))
	got, _ := s.GetByID(ctx, "a")
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, int64(100), *got.DeliveredAt)
	assert.Nil(t, got.ReadAt)

	read := int64(200)
	require.NoError(t, s.Update(ctx, "a", Patch{ReadAt: &read}))
	got, _ = s.GetByID(ctx, "a")
	require.NotNil(t, got.DeliveredAt, "delivered survives the read patch")
	require.NotNil(t, got.ReadAt)

	assert.ErrorIs(t, s.Update(ctx, "missing", Patch{ReadAt: &read}), ErrNotFound)
}

func TestDeleteByRoom(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("a", "ABC123", 1)))
	require.NoError(t, s.Put(ctx, rec("x", "XYZ789", 1)))

	require.NoError(t, s.DeleteByRoom(ctx, "ABC123"))

	_, err := s.GetByID(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetByID(ctx, "x")
	assert.NoError(t, err, "other rooms untouched")
}
