package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"noteflow/internal/domain"
	"noteflow/internal/realtime"
	"noteflow/internal/repository"
)

// ErrNoteNotFound is returned when a note does not exist or belongs to another user.
var ErrNoteNotFound = repository.ErrNoteNotFound

// Snapshot is a portable dump of one user's note collection, produced by
// export and accepted back by import.
type Snapshot struct {
	ExportedAt time.Time      `json:"exported_at"`
	Notes      []SnapshotNote `json:"notes"`
}

// SnapshotNote is the interchange form of a note. Identifiers are dropped on
// import; the repository assigns fresh ones.
type SnapshotNote struct {
	ID        int64     `json:"id,omitempty"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NoteService coordinates note mutations and publishes a change event to the
// realtime gateway after each successful commit.
type NoteService interface {
	CreateNote(ctx context.Context, userID int64, title, content string) (*domain.Note, error)
	GetNote(ctx context.Context, userID, id int64) (*domain.Note, error)
	UpdateNote(ctx context.Context, userID, id int64, title, content string) (*domain.Note, error)
	DeleteNote(ctx context.Context, userID, id int64) error
	ListNotes(ctx context.Context, userID int64, query string) ([]domain.Note, error)
	ExportNotes(ctx context.Context, userID int64) (*Snapshot, error)
	ImportNotes(ctx context.Context, userID int64, snapshot Snapshot) ([]domain.Note, error)
}

type noteService struct {
	notes  repository.NoteRepository
	events realtime.Publisher
}

// NewNoteService wires the repository and the injected gateway. The gateway
// reference is mandatory; construction order in main guarantees it exists
// before the first publish.
func NewNoteService(notes repository.NoteRepository, events realtime.Publisher) NoteService {
	return &noteService{notes: notes, events: events}
}

func (s *noteService) CreateNote(ctx context.Context, userID int64, title, content string) (*domain.Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("content is required")
	}

	note := &domain.Note{
		UserID:  userID,
		Title:   title,
		Content: content,
	}
	if _, err := s.notes.Create(ctx, note); err != nil {
		return nil, err
	}

	s.events.Publish(userID, domain.EventNoteCreated, notePayload(note))
	return note, nil
}

func (s *noteService) GetNote(ctx context.Context, userID, id int64) (*domain.Note, error) {
	return s.notes.Get(ctx, userID, id)
}

func (s *noteService) UpdateNote(ctx context.Context, userID, id int64, title, content string) (*domain.Note, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.New("title is required")
	}

	note := &domain.Note{
		ID:      id,
		UserID:  userID,
		Title:   title,
		Content: content,
	}
	if err := s.notes.Update(ctx, note); err != nil {
		return nil, err
	}

	updated, err := s.notes.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	s.events.Publish(userID, domain.EventNoteUpdated, notePayload(updated))
	return updated, nil
}

func (s *noteService) DeleteNote(ctx context.Context, userID, id int64) error {
	if err := s.notes.Delete(ctx, userID, id); err != nil {
		return err
	}

	s.events.Publish(userID, domain.EventNoteDeleted, map[string]int64{"id": id})
	return nil
}

func (s *noteService) ListNotes(ctx context.Context, userID int64, query string) ([]domain.Note, error) {
	return s.notes.ListByUser(ctx, userID, query)
}

func (s *noteService) ExportNotes(ctx context.Context, userID int64) (*Snapshot, error) {
	notes, err := s.notes.ListByUser(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		ExportedAt: time.Now().UTC(),
		Notes:      make([]SnapshotNote, 0, len(notes)),
	}
	for i := range notes {
		snapshot.Notes = append(snapshot.Notes, SnapshotNote{
			ID:        notes[i].ID,
			Title:     notes[i].Title,
			Content:   notes[i].Content,
			CreatedAt: notes[i].CreatedAt,
			UpdatedAt: notes[i].UpdatedAt,
		})
	}
	return snapshot, nil
}

func (s *noteService) ImportNotes(ctx context.Context, userID int64, snapshot Snapshot) ([]domain.Note, error) {
	incoming := make([]domain.Note, 0, len(snapshot.Notes))
	for _, note := range snapshot.Notes {
		if strings.TrimSpace(note.Title) == "" {
			return nil, errors.New("imported note is missing a title")
		}
		incoming = append(incoming, domain.Note{
			Title:     strings.TrimSpace(note.Title),
			Content:   note.Content,
			CreatedAt: note.CreatedAt,
		})
	}

	inserted, err := s.notes.ReplaceForUser(ctx, userID, incoming)
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]any, 0, len(inserted))
	for i := range inserted {
		payloads = append(payloads, notePayload(&inserted[i]))
	}
	s.events.Publish(userID, domain.EventNotesImported, map[string]any{"notes": payloads})
	return inserted, nil
}

// notePayload is the wire shape of a note carried in change events, matching
// the JSON the HTTP API returns for the same entity.
func notePayload(note *domain.Note) map[string]any {
	return map[string]any{
		"id":         note.ID,
		"user_id":    note.UserID,
		"title":      note.Title,
		"content":    note.Content,
		"created_at": note.CreatedAt.Format(time.RFC3339),
		"updated_at": note.UpdatedAt.Format(time.RFC3339),
	}
}
