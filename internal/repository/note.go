package repository

import (
	"context"
	"errors"

	"noteflow/internal/domain"
)

// ErrNoteNotFound is returned when a note does not exist or belongs to another user.
var ErrNoteNotFound = errors.New("note not found")

// NoteRepository exposes persistence operations for Note entities.
// All reads and mutations are scoped to a single owning user.
type NoteRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, note *domain.Note) (int64, error)
	Get(ctx context.Context, userID, id int64) (*domain.Note, error)
	Update(ctx context.Context, note *domain.Note) error
	Delete(ctx context.Context, userID, id int64) error
	ListByUser(ctx context.Context, userID int64, query string) ([]domain.Note, error)
	ReplaceForUser(ctx context.Context, userID int64, notes []domain.Note) ([]domain.Note, error)
}
