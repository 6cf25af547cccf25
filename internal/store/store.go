// Package store holds the message persistence contract the delivery
// layer depends on. Records are keyed by payload id; all operations are
// atomic per id, which is what makes dedup-by-id safe across transports
// and controller restarts.
package store

import (
	"context"
	"errors"

	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	DeliveredAt *int64
	ReadAt      *int64
}

type Store interface {
	// Put creates the record for its id. A second Put for the same id
	// fails with ErrExists; callers treat that as "already persisted".
	Put(ctx context.Context, rec domain.MessageRecord) error
	GetByID(ctx context.Context, id string) (domain.MessageRecord, error)
	// ListByRoom returns the room's records ordered by CreatedAt.
	ListByRoom(ctx context.Context, roomID domain.RoomID) ([]domain.MessageRecord, error)
	Update(ctx context.Context, id string, patch Patch) error
	DeleteByRoom(ctx context.Context, roomID domain.RoomID) error
}
