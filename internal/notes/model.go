package notes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	"gorm.io/datatypes"
)

// OperationType enumerates supported client operations.
type OperationType string

const (
	// OperationTypeUpsert represents an insert or update payload.
	OperationTypeUpsert OperationType = "upsert"
	// OperationTypeDelete marks a note as deleted.
	OperationTypeDelete OperationType = "delete"
)

// NoteKind is the discriminator stored in the notes.kind column.
type NoteKind string

const (
	// NoteKindText is a free-form note.
	NoteKindText NoteKind = "text"
	// NoteKindChecklist is a note whose payload holds checklist items.
	NoteKindChecklist NoteKind = "checklist"
)

const (
	maxIdentifierLength = 190
	emptyPayload        = "{}"
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("notes: invalid unix timestamp")
	// ErrInvalidNoteKind indicates an unknown note discriminator.
	ErrInvalidNoteKind = errors.New("notes: invalid note kind")
	// ErrNoteNotFound indicates that the note does not exist for the user.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrNotebookNotFound indicates that the notebook does not exist for the user.
	ErrNotebookNotFound = errors.New("notes: notebook not found")
	// ErrVersionNotFound indicates that the requested note version is not stored.
	ErrVersionNotFound = errors.New("notes: version not found")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// ParseNoteKind validates raw input. Empty input selects NoteKindText.
func ParseNoteKind(rawInput string) (NoteKind, error) {
	switch NoteKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case "", NoteKindText:
		return NoteKindText, nil
	case NoteKindChecklist:
		return NoteKindChecklist, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNoteKind, rawInput)
	}
}

// Notebook groups notes. Every saved change of its title produces a snapshot.
type Notebook struct {
	versioning.Versioned `gorm:"-"`

	NotebookID       string `gorm:"column:notebook_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index:idx_notebooks_user"`
	Title            string `gorm:"column:title;size:255;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	Version          int64  `gorm:"column:version;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notebook) TableName() string {
	return "notebooks"
}

// Note models the persisted note payload with conflict resolution metadata. Version is
// assigned by the versioning plugin; LockVersion guards concurrent writers.
type Note struct {
	versioning.Versioned `gorm:"-"`

	NoteID            string         `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID            string         `gorm:"column:user_id;size:190;not null;index:idx_notes_user_updated,priority:1"`
	NotebookID        *string        `gorm:"column:notebook_id;size:190;index:idx_notes_notebook"`
	Kind              NoteKind       `gorm:"column:kind;size:32;not null"`
	CreatedAtSeconds  int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64          `gorm:"column:updated_at_s;not null;index:idx_notes_user_updated,priority:3"`
	Payload           datatypes.JSON `gorm:"column:payload_json;not null"`
	IsDeleted         bool           `gorm:"column:is_deleted;not null"`
	Version           int64          `gorm:"column:version;not null"`
	LockVersion       int64          `gorm:"column:lock_version;not null"`
	LastWriterDevice  string         `gorm:"column:last_writer_device;size:190;not null"`
	LastWriterEditSeq int64          `gorm:"column:last_writer_edit_seq;not null;index:idx_notes_user_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// NoteChange captures an append-only audit trail for note modifications.
type NoteChange struct {
	ChangeID          string        `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID            string        `gorm:"column:user_id;not null;index:idx_changes_user_time,priority:1"`
	NoteID            string        `gorm:"column:note_id;not null"`
	AppliedAtSeconds  int64         `gorm:"column:applied_at_s;not null;index:idx_changes_user_time,priority:2"`
	ClientDevice      string        `gorm:"column:client_device;size:190;not null"`
	ClientTimeSeconds int64         `gorm:"column:client_time_s;not null"`
	Operation         OperationType `gorm:"column:op;not null"`
	PayloadJSON       string        `gorm:"column:payload_json;type:text;not null"`
	PreviousVersion   *int64        `gorm:"column:prev_version"`
	NewVersion        *int64        `gorm:"column:new_version"`
	ClientEditSeq     int64         `gorm:"column:client_edit_seq;not null;default:0"`
	ServerEditSeqSeen int64         `gorm:"column:server_edit_seq_seen;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (NoteChange) TableName() string {
	return "note_changes"
}

// ChangeRequest describes the input supplied by a client during sync. BaseVersion is the
// note version the client edited; zero means the client does not track versions and
// edit sequences decide instead.
type ChangeRequest struct {
	UserID            UserID
	NoteID            NoteID
	NotebookID        string
	Kind              NoteKind
	BaseVersion       int64
	CreatedAtSeconds  UnixTimestamp
	UpdatedAtSeconds  UnixTimestamp
	ClientTimeSeconds UnixTimestamp
	ClientEditSeq     int64
	ClientDevice      string
	Operation         OperationType
	PayloadJSON       string
	IsDeleted         bool
}

// ConflictOutcome captures the decision from resolveChange.
type ConflictOutcome struct {
	Accepted    bool
	UpdatedNote *Note
	AuditRecord *NoteChange
}

// NotebookRequest describes a notebook create or rename. An empty NotebookID creates a
// notebook with a generated identifier.
type NotebookRequest struct {
	NotebookID string
	Title      string
}

// NoteSnapshot is one stored version of a note.
type NoteSnapshot struct {
	HistoryID         int64
	NoteID            string
	Number            int64
	Kind              NoteKind
	NotebookID        *string
	NotebookVersionID *int64
	Payload           datatypes.JSON
	IsDeleted         bool
	UpdatedAtSeconds  int64
	LastWriterDevice  string
}

func newNoteSnapshot(version *versioning.Version) NoteSnapshot {
	snapshot := NoteSnapshot{
		HistoryID: version.ID(),
		Number:    version.Number(),
	}
	if value, ok := version.Get(columnNoteID); ok {
		snapshot.NoteID, _ = value.(string)
	}
	if value, ok := version.Get(columnKindShadow); ok {
		snapshot.Kind, _ = value.(NoteKind)
	}
	if value, ok := version.Get(columnNotebookID); ok {
		snapshot.NotebookID, _ = value.(*string)
	}
	if value, ok := version.Get(columnNotebookShadow); ok {
		snapshot.NotebookVersionID, _ = value.(*int64)
	}
	if value, ok := version.Get(columnPayload); ok {
		snapshot.Payload, _ = value.(datatypes.JSON)
	}
	if value, ok := version.Get(columnIsDeleted); ok {
		snapshot.IsDeleted, _ = value.(bool)
	}
	if value, ok := version.Get(columnUpdatedAt); ok {
		snapshot.UpdatedAtSeconds, _ = value.(int64)
	}
	if value, ok := version.Get(columnLastWriterDevice); ok {
		snapshot.LastWriterDevice, _ = value.(string)
	}
	return snapshot
}
