package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"noteflow/internal/domain"
	"noteflow/internal/repository"
)

const createNotesTable = `
CREATE TABLE IF NOT EXISTS notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_notes_user_id ON notes(user_id);
`

type NoteRepository struct {
	db *sql.DB
}

func NewNoteRepository(db *sql.DB) repository.NoteRepository {
	return &NoteRepository{db: db}
}

func (r *NoteRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createNotesTable); err != nil {
		return fmt.Errorf("create notes table: %w", err)
	}
	return nil
}

func (r *NoteRepository) Create(ctx context.Context, note *domain.Note) (int64, error) {
	now := time.Now().UTC()
	note.CreatedAt = now
	note.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO notes (user_id, title, content, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		note.UserID,
		note.Title,
		note.Content,
		note.CreatedAt,
		note.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert note: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("note last insert id: %w", err)
	}
	note.ID = id
	return id, nil
}

func (r *NoteRepository) Get(ctx context.Context, userID, id int64) (*domain.Note, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, title, content, created_at, updated_at
FROM notes
WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	return scanNote(row)
}

func (r *NoteRepository) Update(ctx context.Context, note *domain.Note) error {
	note.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
UPDATE notes
SET title = ?, content = ?, updated_at = ?
WHERE id = ? AND user_id = ?`,
		note.Title,
		note.Content,
		note.UpdatedAt,
		note.ID,
		note.UserID,
	)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("note rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNoteNotFound
	}
	return nil
}

func (r *NoteRepository) Delete(ctx context.Context, userID, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("note rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNoteNotFound
	}
	return nil
}

func (r *NoteRepository) ListByUser(ctx context.Context, userID int64, query string) ([]domain.Note, error) {
	sqlQuery := `
SELECT id, user_id, title, content, created_at, updated_at
FROM notes
WHERE user_id = ?`
	args := []any{userID}

	if query = strings.TrimSpace(query); query != "" {
		sqlQuery += ` AND (title LIKE ? ESCAPE '\' OR content LIKE ? ESCAPE '\')`
		pattern := "%" + escapeLike(query) + "%"
		args = append(args, pattern, pattern)
	}
	sqlQuery += ` ORDER BY updated_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var note domain.Note
		if err := rows.Scan(&note.ID, &note.UserID, &note.Title, &note.Content, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, note)
	}

	return notes, rows.Err()
}

// ReplaceForUser atomically swaps a user's entire note collection, returning
// the inserted notes with their assigned identifiers.
func (r *NoteRepository) ReplaceForUser(ctx context.Context, userID int64, notes []domain.Note) ([]domain.Note, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("delete notes: %w", err)
	}

	now := time.Now().UTC()
	inserted := make([]domain.Note, 0, len(notes))
	for _, note := range notes {
		note.UserID = userID
		if note.CreatedAt.IsZero() {
			note.CreatedAt = now
		}
		note.UpdatedAt = now

		res, err := tx.ExecContext(ctx, `
INSERT INTO notes (user_id, title, content, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
			note.UserID,
			note.Title,
			note.Content,
			note.CreatedAt,
			note.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert note: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("note last insert id: %w", err)
		}
		note.ID = id
		inserted = append(inserted, note)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func scanNote(row interface {
	Scan(dest ...any) error
}) (*domain.Note, error) {
	var note domain.Note
	if err := row.Scan(
		&note.ID,
		&note.UserID,
		&note.Title,
		&note.Content,
		&note.CreatedAt,
		&note.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNoteNotFound
		}
		return nil, fmt.Errorf("scan note: %w", err)
	}
	return &note, nil
}
