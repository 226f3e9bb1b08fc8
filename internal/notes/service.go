package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingModels     = errors.New("versioning models are required")
	errEmptyTitle        = errors.New("notebook title is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "notes.service.new"
	opApplyChanges    = "notes.apply_changes"
	opListNotes       = "notes.list_notes"
	opUpsertNotebook  = "notes.upsert_notebook"
	opListVersions    = "notes.list_versions"
	opGetVersion      = "notes.get_version"
	opRevertNote      = "notes.revert_note"
	opColumnHistory   = "notes.column_history"
	opPurgeVersions   = "notes.purge_versions"
	queryUserNote     = columnUserID + " = ? AND " + columnNoteID + " = ?"
	queryUserNotebook = columnUserID + " = ? AND " + columnNotebookID + " = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Models     Models
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	models     Models
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Models.Note == nil || cfg.Models.Notebook == nil {
		return nil, newServiceError(opServiceNew, "missing_models", errMissingModels)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		models:     cfg.Models,
	}, nil
}

type ChangeOutcome struct {
	Request ChangeRequest
	Outcome ConflictOutcome
}

type SyncResult struct {
	ChangeOutcomes []ChangeOutcome
}

// ApplyChanges resolves and stores the client changes in one transaction. Every accepted
// change that alters a watched column produces a note version.
func (s *Service) ApplyChanges(ctx context.Context, userID UserID, changes []ChangeRequest) (SyncResult, error) {
	if err := s.ensureReady(opApplyChanges); err != nil {
		return SyncResult{}, err
	}
	if userID == "" {
		s.logError(opApplyChanges, "missing_user_id", errMissingUserID)
		return SyncResult{}, newServiceError(opApplyChanges, "missing_user_id", errMissingUserID)
	}

	result := SyncResult{ChangeOutcomes: make([]ChangeOutcome, 0, len(changes))}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, change := range changes {
			fields := []zap.Field{
				zap.String("user_id", userID.String()),
				zap.String("note_id", change.NoteID.String()),
			}
			change.UserID = userID

			existing, err := s.lockNote(tx, change.NoteID)
			if err != nil {
				s.logError(opApplyChanges, "note_select_failed", err, fields...)
				return newServiceError(opApplyChanges, "note_select_failed", err)
			}
			if existing != nil && existing.UserID != userID.String() {
				s.logError(opApplyChanges, "note_owner_mismatch", ErrNoteNotFound, fields...)
				return newServiceError(opApplyChanges, "note_owner_mismatch", ErrNoteNotFound)
			}
			if change.NotebookID != "" {
				if _, err := s.findNotebook(tx, userID, change.NotebookID); err != nil {
					s.logError(opApplyChanges, "notebook_lookup_failed", err, fields...)
					return newServiceError(opApplyChanges, "notebook_lookup_failed", err)
				}
			}

			appliedAt := s.clock().UTC()
			outcome, err := resolveChange(existing, change, appliedAt)
			if err != nil {
				s.logError(opApplyChanges, "resolve_change_failed", err, fields...)
				return newServiceError(opApplyChanges, "resolve_change_failed", err)
			}

			if outcome.Accepted {
				save := tx.Save
				if existing == nil {
					save = tx.Create
				}
				if err := save(outcome.UpdatedNote).Error; err != nil {
					s.logError(opApplyChanges, "note_save_failed", err, fields...)
					return newServiceError(opApplyChanges, "note_save_failed", err)
				}

				if outcome.AuditRecord != nil {
					changeID, err := s.idProvider.NewID()
					if err != nil {
						s.logError(opApplyChanges, "id_generation_failed", err, fields...)
						return newServiceError(opApplyChanges, "id_generation_failed", err)
					}
					outcome.AuditRecord.ChangeID = changeID
					outcome.AuditRecord.NewVersion = pointerTo(outcome.UpdatedNote.Version)
					if err := tx.Create(outcome.AuditRecord).Error; err != nil {
						s.logError(opApplyChanges, "audit_insert_failed", err, fields...)
						return newServiceError(opApplyChanges, "audit_insert_failed", err)
					}
				}
			}

			result.ChangeOutcomes = append(result.ChangeOutcomes, ChangeOutcome{
				Request: change,
				Outcome: outcome,
			})
		}
		return nil
	})

	if txErr != nil {
		return SyncResult{}, txErr
	}

	return result, nil
}

// UpsertNotebook creates the notebook or renames an existing one.
func (s *Service) UpsertNotebook(ctx context.Context, userID UserID, request NotebookRequest) (Notebook, error) {
	if err := s.ensureReady(opUpsertNotebook); err != nil {
		return Notebook{}, err
	}
	if userID == "" {
		s.logError(opUpsertNotebook, "missing_user_id", errMissingUserID)
		return Notebook{}, newServiceError(opUpsertNotebook, "missing_user_id", errMissingUserID)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Notebook{}, newServiceError(opUpsertNotebook, "missing_title", errEmptyTitle)
	}

	var notebook Notebook
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		notebookID := strings.TrimSpace(request.NotebookID)
		if notebookID == "" {
			generated, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opUpsertNotebook, "id_generation_failed", err, zap.String("user_id", userID.String()))
				return newServiceError(opUpsertNotebook, "id_generation_failed", err)
			}
			notebookID = generated
		}

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(columnNotebookID+" = ?", notebookID).
			Take(&notebook).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			notebook = Notebook{
				NotebookID:       notebookID,
				UserID:           userID.String(),
				Title:            title,
				CreatedAtSeconds: now,
				UpdatedAtSeconds: now,
			}
			if err := tx.Create(&notebook).Error; err != nil {
				s.logError(opUpsertNotebook, "notebook_insert_failed", err, zap.String("notebook_id", notebookID))
				return newServiceError(opUpsertNotebook, "notebook_insert_failed", err)
			}
			return nil
		case err != nil:
			s.logError(opUpsertNotebook, "notebook_select_failed", err, zap.String("notebook_id", notebookID))
			return newServiceError(opUpsertNotebook, "notebook_select_failed", err)
		case notebook.UserID != userID.String():
			return newServiceError(opUpsertNotebook, "notebook_owner_mismatch", ErrNotebookNotFound)
		}

		if notebook.Title == title {
			return nil
		}
		notebook.Title = title
		notebook.UpdatedAtSeconds = now
		if err := tx.Save(&notebook).Error; err != nil {
			s.logError(opUpsertNotebook, "notebook_save_failed", err, zap.String("notebook_id", notebookID))
			return newServiceError(opUpsertNotebook, "notebook_save_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Notebook{}, txErr
	}
	return notebook, nil
}

// ListNotes returns all persisted notes for the provided user identifier.
func (s *Service) ListNotes(ctx context.Context, userID string) ([]Note, error) {
	if err := s.ensureReady(opListNotes); err != nil {
		return nil, err
	}
	if userID == "" {
		s.logError(opListNotes, "missing_user_id", errMissingUserID)
		return nil, newServiceError(opListNotes, "missing_user_id", errMissingUserID)
	}

	var notes []Note
	if err := s.db.WithContext(ctx).
		Where(columnUserID+" = ?", userID).
		Order(columnUpdatedAt + " DESC").
		Find(&notes).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}

	return notes, nil
}

// ListVersions returns the stored versions of a note, oldest first.
func (s *Service) ListVersions(ctx context.Context, userID UserID, noteID NoteID) ([]NoteSnapshot, error) {
	if err := s.ensureReady(opListVersions); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	note, err := s.findNote(db, userID, noteID)
	if err != nil {
		return nil, s.lookupError(opListVersions, err, userID, noteID)
	}
	history, err := s.models.Note.History(db, note)
	if err != nil {
		s.logError(opListVersions, "history_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opListVersions, "history_failed", err)
	}
	versions, err := history.All()
	if err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	snapshots := make([]NoteSnapshot, 0, len(versions))
	for _, version := range versions {
		snapshots = append(snapshots, newNoteSnapshot(version))
	}
	return snapshots, nil
}

// GetVersion returns one stored version of a note.
func (s *Service) GetVersion(ctx context.Context, userID UserID, noteID NoteID, number int64) (NoteSnapshot, error) {
	if err := s.ensureReady(opGetVersion); err != nil {
		return NoteSnapshot{}, err
	}
	db := s.db.WithContext(ctx)
	note, err := s.findNote(db, userID, noteID)
	if err != nil {
		return NoteSnapshot{}, s.lookupError(opGetVersion, err, userID, noteID)
	}
	version, err := s.models.Note.FetchVersion(db, note, number)
	if errors.Is(err, versioning.ErrVersionNotFound) {
		return NoteSnapshot{}, newServiceError(opGetVersion, "version_not_found", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err, zap.String("note_id", noteID.String()))
		return NoteSnapshot{}, newServiceError(opGetVersion, "query_failed", err)
	}
	return newNoteSnapshot(version), nil
}

// RevertNote restores the note to a stored version. With persist the restored note is
// saved without producing a new version; otherwise only the returned note is reverted.
func (s *Service) RevertNote(ctx context.Context, userID UserID, noteID NoteID, number int64, persist bool) (Note, error) {
	if err := s.ensureReady(opRevertNote); err != nil {
		return Note{}, err
	}
	var reverted Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.lockNote(tx, noteID)
		if err == nil && (note == nil || note.UserID != userID.String()) {
			err = ErrNoteNotFound
		}
		if err != nil {
			return s.lookupError(opRevertNote, err, userID, noteID)
		}

		if persist {
			err = s.models.Note.RevertToAndSaveStrict(tx, note, number)
			if errors.Is(err, versioning.ErrReversionTarget) {
				return newServiceError(opRevertNote, "version_not_found", ErrVersionNotFound)
			}
			if err != nil {
				s.logError(opRevertNote, "save_failed", err, zap.String("note_id", noteID.String()), zap.Int64("version", number))
				return newServiceError(opRevertNote, "save_failed", err)
			}
			reverted = *note
			return nil
		}

		ok, err := s.models.Note.RevertTo(tx, note, number)
		if err != nil {
			s.logError(opRevertNote, "query_failed", err, zap.String("note_id", noteID.String()), zap.Int64("version", number))
			return newServiceError(opRevertNote, "query_failed", err)
		}
		if !ok {
			return newServiceError(opRevertNote, "version_not_found", ErrVersionNotFound)
		}
		reverted = *note
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return reverted, nil
}

// ColumnHistory reports the runs of equal values a note column went through.
func (s *Service) ColumnHistory(ctx context.Context, userID UserID, noteID NoteID, column string) ([]versioning.ValueRun, error) {
	if err := s.ensureReady(opColumnHistory); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	note, err := s.findNote(db, userID, noteID)
	if err != nil {
		return nil, s.lookupError(opColumnHistory, err, userID, noteID)
	}
	history, err := s.models.Note.History(db, note)
	if err != nil {
		return nil, newServiceError(opColumnHistory, "history_failed", err)
	}
	runs, err := history.ColumnRuns(column)
	if errors.Is(err, versioning.ErrUnknownColumn) {
		return nil, newServiceError(opColumnHistory, "unknown_column", err)
	}
	if err != nil {
		s.logError(opColumnHistory, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opColumnHistory, "query_failed", err)
	}
	return runs, nil
}

// PurgeVersions deletes every stored version of a note and reports how many were removed.
// The note itself is kept; its next versioned save starts again at version 1.
func (s *Service) PurgeVersions(ctx context.Context, userID UserID, noteID NoteID) (int64, error) {
	if err := s.ensureReady(opPurgeVersions); err != nil {
		return 0, err
	}
	var removed int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.findNote(tx, userID, noteID)
		if err != nil {
			return s.lookupError(opPurgeVersions, err, userID, noteID)
		}
		history, err := s.models.Note.History(tx, note)
		if err != nil {
			return newServiceError(opPurgeVersions, "history_failed", err)
		}
		removed, err = history.Delete()
		if err != nil {
			s.logError(opPurgeVersions, "delete_failed", err, zap.String("note_id", noteID.String()))
			return newServiceError(opPurgeVersions, "delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	s.loggerOrDefault().Info("note versions purged",
		zap.String("user_id", userID.String()),
		zap.String("note_id", noteID.String()),
		zap.Int64("removed", removed))
	return removed, nil
}

// ensureReady guards against a zero Service.
func (s *Service) ensureReady(operation string) error {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return newServiceError(operation, "missing_database", errMissingDatabase)
	}
	if s.models.Note == nil || s.models.Notebook == nil {
		s.logError(operation, "missing_models", errMissingModels)
		return newServiceError(operation, "missing_models", errMissingModels)
	}
	return nil
}

// lockNote loads the note for update; a missing note is reported as nil.
func (s *Service) lockNote(tx *gorm.DB, noteID NoteID) (*Note, error) {
	var existing Note
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(columnNoteID+" = ?", noteID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) findNote(db *gorm.DB, userID UserID, noteID NoteID) (*Note, error) {
	var note Note
	if err := db.Where(queryUserNote, userID.String(), noteID.String()).Take(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoteNotFound
		}
		return nil, err
	}
	return &note, nil
}

func (s *Service) findNotebook(db *gorm.DB, userID UserID, notebookID string) (*Notebook, error) {
	var notebook Notebook
	if err := db.Where(queryUserNotebook, userID.String(), notebookID).Take(&notebook).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotebookNotFound
		}
		return nil, err
	}
	return &notebook, nil
}

func (s *Service) lookupError(operation string, err error, userID UserID, noteID NoteID) error {
	if errors.Is(err, ErrNoteNotFound) {
		return newServiceError(operation, "note_not_found", ErrNoteNotFound)
	}
	s.logError(operation, "note_select_failed", err,
		zap.String("user_id", userID.String()),
		zap.String("note_id", noteID.String()))
	return newServiceError(operation, "note_select_failed", err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
