package database

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/revisions/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateNotebookHistory = "2026-10-01_create_notebooks_versions"
	migrationCreateNoteHistory     = "2026-10-01_create_notes_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// historyMigrations creates the history tables once; later starts only reconcile them.
func historyMigrations(models notes.Models) []migrationDefinition {
	return []migrationDefinition{
		{name: migrationCreateNotebookHistory, apply: models.Notebook.CreateHistoryTable},
		{name: migrationCreateNoteHistory, apply: models.Note.CreateHistoryTable},
	}
}

// applyMigrations runs every pending migration in its own transaction together with the
// bookkeeping row that marks it applied.
func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", migration.name, err)
		}
		if applied {
			logger.Debug("database migration already applied", zap.String("migration", migration.name))
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
