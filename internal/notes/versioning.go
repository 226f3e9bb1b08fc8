package notes

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	"gorm.io/gorm"
)

const (
	columnNoteID           = "note_id"
	columnUserID           = "user_id"
	columnNotebookID       = "notebook_id"
	columnKind             = "kind"
	columnKindShadow       = "versioned_kind"
	columnNotebookShadow   = "versioned_notebook_id"
	columnPayload          = "payload_json"
	columnIsDeleted        = "is_deleted"
	columnUpdatedAt        = "updated_at_s"
	columnLastWriterDevice = "last_writer_device"

	// HistoryModelNote names the note history model for the CLI.
	HistoryModelNote = "note"
	// HistoryModelNotebook names the notebook history model for the CLI.
	HistoryModelNotebook = "notebook"
)

var errMissingPlugin = errors.New("versioning plugin is required")

// VersioningConfig tunes the history kept for notes.
type VersioningConfig struct {
	// RetentionLimit caps the note snapshots kept per note. Zero keeps all.
	RetentionLimit int
}

// Models holds the versioning handles of the notes domain.
type Models struct {
	Note     *versioning.Model
	Notebook *versioning.Model
}

// RegisterVersioning tracks notebooks and notes with the plugin. Notebooks are registered
// first so that the note's notebook association can resolve them.
func RegisterVersioning(db *gorm.DB, plugin *versioning.Plugin, cfg VersioningConfig) (Models, error) {
	if plugin == nil {
		return Models{}, errMissingPlugin
	}
	notebook, err := plugin.Register(db, &Notebook{}, versioning.Options{})
	if err != nil {
		return Models{}, fmt.Errorf("register notebook versioning: %w", err)
	}
	note, err := plugin.Register(db, &Note{}, versioning.Options{
		InheritanceColumn: columnKind,
		RetentionLimit:    cfg.RetentionLimit,
		WatchedColumns:    []string{columnPayload, columnIsDeleted, columnNotebookID},
		Associations: []versioning.Association{
			{Name: "Notebook", ForeignKey: columnNotebookID, Target: &Notebook{}},
		},
	})
	if err != nil {
		return Models{}, fmt.Errorf("register note versioning: %w", err)
	}
	return Models{Note: note, Notebook: notebook}, nil
}

// All returns the handles in registration order.
func (m Models) All() []*versioning.Model {
	return []*versioning.Model{m.Notebook, m.Note}
}

// ByName resolves a history model by its CLI name.
func (m Models) ByName(name string) (*versioning.Model, bool) {
	switch name {
	case HistoryModelNote:
		return m.Note, m.Note != nil
	case HistoryModelNotebook:
		return m.Notebook, m.Notebook != nil
	default:
		return nil, false
	}
}
