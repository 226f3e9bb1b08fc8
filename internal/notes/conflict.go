package notes

import (
	"time"

	"gorm.io/datatypes"
)

// resolveChange decides whether a client change wins over the stored note. The version
// number is left alone: the versioning plugin assigns it when the note is saved, and the
// caller completes the audit record afterwards.
func resolveChange(existing *Note, change ChangeRequest, appliedAt time.Time) (ConflictOutcome, error) {
	userID := change.UserID.String()
	noteID := change.NoteID.String()
	clientEditSeq := change.ClientEditSeq
	clientUpdatedAt := change.UpdatedAtSeconds.Int64()

	kind := change.Kind
	if kind == "" {
		kind = NoteKindText
	}
	stored := Note{
		UserID:           userID,
		NoteID:           noteID,
		Kind:             kind,
		CreatedAtSeconds: change.CreatedAtSeconds.Int64(),
		Payload:          datatypes.JSON(emptyPayload),
	}

	if existing != nil {
		stored = *existing
	}

	serverEditSeq := stored.LastWriterEditSeq
	serverUpdatedAt := stored.UpdatedAtSeconds

	acceptChange := false
	switch {
	case existing == nil:
		acceptChange = true
	case change.BaseVersion > 0:
		acceptChange = change.BaseVersion == stored.Version
	case clientEditSeq > serverEditSeq:
		acceptChange = true
	case clientEditSeq < serverEditSeq:
		acceptChange = false
	default:
		acceptChange = clientUpdatedAt >= serverUpdatedAt
	}

	if !acceptChange {
		copyStored := stored
		return ConflictOutcome{
			Accepted:    false,
			UpdatedNote: &copyStored,
			AuditRecord: nil,
		}, nil
	}

	updated := stored
	if updated.CreatedAtSeconds == 0 {
		if change.CreatedAtSeconds.Int64() > 0 {
			updated.CreatedAtSeconds = change.CreatedAtSeconds.Int64()
		} else if clientUpdatedAt > 0 {
			updated.CreatedAtSeconds = clientUpdatedAt
		} else {
			updated.CreatedAtSeconds = appliedAt.Unix()
		}
	}

	updated.LastWriterDevice = change.ClientDevice
	updated.LastWriterEditSeq = clientEditSeq
	updated.IsDeleted = change.Operation == OperationTypeDelete || change.IsDeleted
	if change.PayloadJSON != "" {
		updated.Payload = datatypes.JSON(change.PayloadJSON)
	}
	if change.NotebookID != "" {
		notebookID := change.NotebookID
		updated.NotebookID = &notebookID
	}

	if clientUpdatedAt > serverUpdatedAt {
		updated.UpdatedAtSeconds = clientUpdatedAt
	} else {
		updated.UpdatedAtSeconds = serverUpdatedAt
		if updated.UpdatedAtSeconds == 0 {
			updated.UpdatedAtSeconds = appliedAt.Unix()
		}
	}

	if updated.UpdatedAtSeconds < updated.CreatedAtSeconds {
		updated.CreatedAtSeconds = updated.UpdatedAtSeconds
	}

	audit := &NoteChange{
		UserID:            updated.UserID,
		NoteID:            updated.NoteID,
		AppliedAtSeconds:  appliedAt.Unix(),
		ClientDevice:      change.ClientDevice,
		ClientTimeSeconds: change.ClientTimeSeconds.Int64(),
		Operation:         change.Operation,
		PayloadJSON:       string(updated.Payload),
		ClientEditSeq:     clientEditSeq,
		ServerEditSeqSeen: serverEditSeq,
	}
	if stored.Version > 0 {
		audit.PreviousVersion = pointerTo(stored.Version)
	}

	return ConflictOutcome{
		Accepted:    true,
		UpdatedNote: &updated,
		AuditRecord: audit,
	}, nil
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
