package database

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/revisions/internal/logging"
	"github.com/MarcoPoloResearchLab/revisions/internal/notes"
	"github.com/MarcoPoloResearchLab/revisions/internal/versioning"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingPath = errors.New("database path is required")
	// ErrUnknownHistoryModel indicates a history model name that is not registered.
	ErrUnknownHistoryModel = errors.New("database: unknown history model")
)

// Config describes how the database is opened.
type Config struct {
	Path           string
	Logger         *zap.Logger
	LogLevel       string
	RetentionLimit int
}

// Database bundles the connection with the versioning plugin and the registered models.
type Database struct {
	DB     *gorm.DB
	Plugin *versioning.Plugin
	Models notes.Models
	logger *zap.Logger
}

// OpenSQLite establishes a SQLite connection, installs versioning and performs schema
// migrations, including the history tables.
func OpenSQLite(cfg Config) (*Database, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errMissingPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logging.NewGormLogger(logger, cfg.LogLevel),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	plugin := versioning.New(versioning.Config{Logger: logger})
	if err := db.Use(plugin); err != nil {
		return nil, fmt.Errorf("install versioning: %w", err)
	}

	if err := db.AutoMigrate(&notes.Notebook{}, &notes.Note{}, &notes.NoteChange{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	models, err := notes.RegisterVersioning(db, plugin, notes.VersioningConfig{RetentionLimit: cfg.RetentionLimit})
	if err != nil {
		return nil, err
	}

	database := &Database{DB: db, Plugin: plugin, Models: models, logger: logger}
	if err := applyMigrations(db, historyMigrations(models), logger); err != nil {
		return nil, err
	}
	if err := database.SyncHistoryTables(); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", cfg.Path))
	return database, nil
}

// SyncHistoryTables reconciles every history table with its live model. Drifted columns
// are logged and left in place.
func (d *Database) SyncHistoryTables() error {
	for _, model := range d.Models.All() {
		drifted, err := model.UpdateHistoryTable(d.DB)
		if err != nil {
			return fmt.Errorf("sync %s: %w", model.HistoryTable(), err)
		}
		if len(drifted) > 0 {
			columns := make([]string, 0, len(drifted))
			for _, column := range drifted {
				columns = append(columns, column.String())
			}
			d.logger.Warn("history table has columns unknown to the model",
				zap.String("table", model.HistoryTable()),
				zap.Strings("columns", columns))
		}
	}
	return nil
}

// HistoryModel resolves a versioned model by its CLI name.
func (d *Database) HistoryModel(name string) (*versioning.Model, error) {
	model, ok := d.Models.ByName(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownHistoryModel, name, strings.Join(HistoryModelNames(), ", "))
	}
	return model, nil
}

// HistoryModelNames lists the names accepted by HistoryModel.
func HistoryModelNames() []string {
	names := []string{notes.HistoryModelNote, notes.HistoryModelNotebook}
	sort.Strings(names)
	return names
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
