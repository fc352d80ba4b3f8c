package domain

// EventKind identifies the type of a note change event.
type EventKind string

const (
	EventNoteCreated   EventKind = "note:created"
	EventNoteUpdated   EventKind = "note:updated"
	EventNoteDeleted   EventKind = "note:deleted"
	EventNotesImported EventKind = "notes:imported"
)

// ChangeEvent describes a committed note mutation for realtime fan-out.
// It is produced once by the note service and never retried or replayed.
type ChangeEvent struct {
	Kind    EventKind `json:"event"`
	Payload any       `json:"data"`
}
