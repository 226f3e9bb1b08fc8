package versioning

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateHistoryTable adds the version column to the owner table when missing, creates the
// history table and indexes its owner key. The unique (owner, version) index is what makes
// a losing concurrent save fail instead of duplicating a version number.
func (m *Model) CreateHistoryTable(tx *gorm.DB) error {
	return tx.Transaction(func(tx *gorm.DB) error {
		if err := m.ensureVersionColumn(tx); err != nil {
			return err
		}
		entity := m.newHistoryEntity()
		history := tx.Table(m.historyTable).Migrator()
		if !history.HasTable(entity) {
			if err := history.CreateTable(entity); err != nil {
				return fmt.Errorf("versioning: create %s: %w", m.historyTable, err)
			}
		}
		return m.ensureIndexes(tx)
	})
}

// UpdateHistoryTable adds the history columns missing from the table. Columns present on
// the table but unknown to the owner are never dropped: they are logged and returned for
// manual review.
func (m *Model) UpdateHistoryTable(tx *gorm.DB) ([]DriftedColumn, error) {
	entity := m.newHistoryEntity()
	if !tx.Table(m.historyTable).Migrator().HasTable(entity) {
		return nil, m.CreateHistoryTable(tx)
	}

	var drifted []DriftedColumn
	err := tx.Transaction(func(tx *gorm.DB) error {
		if err := m.ensureVersionColumn(tx); err != nil {
			return err
		}
		history := tx.Table(m.historyTable).Migrator()
		columnTypes, err := history.ColumnTypes(entity)
		if err != nil {
			return fmt.Errorf("versioning: inspect %s: %w", m.historyTable, err)
		}
		existing := make(map[string]bool, len(columnTypes))
		for _, columnType := range columnTypes {
			existing[columnType.Name()] = true
		}

		for _, field := range m.history.Fields {
			if field.DBName == "" || existing[field.DBName] {
				continue
			}
			if err := history.AddColumn(entity, field.DBName); err != nil {
				return fmt.Errorf("versioning: add %s.%s: %w", m.historyTable, field.DBName, err)
			}
			m.logger().Info("history column added",
				zap.String("model", m.name),
				zap.String("table", m.historyTable),
				zap.String("column", field.DBName),
			)
		}

		names := make([]string, 0, len(existing))
		for name := range existing {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if m.history.LookUpField(name) != nil {
				continue
			}
			drifted = append(drifted, DriftedColumn{Table: m.historyTable, Column: name})
			m.logger().Warn("history column has no counterpart on the owner; review manually",
				zap.String("model", m.name),
				zap.String("table", m.historyTable),
				zap.String("column", name),
			)
		}
		return m.ensureIndexes(tx)
	})
	if err != nil {
		return nil, err
	}
	return drifted, nil
}

// DropHistoryTable removes the history table and every snapshot in it.
func (m *Model) DropHistoryTable(tx *gorm.DB) error {
	return tx.Migrator().DropTable(m.historyTable)
}

func (m *Model) ensureVersionColumn(tx *gorm.DB) error {
	migrator := tx.Migrator()
	value := newOwnerValue(m.ownerType)
	if !migrator.HasTable(value) {
		return fmt.Errorf("versioning: owner table %q does not exist", m.table)
	}
	if migrator.HasColumn(value, m.versionField.DBName) {
		return nil
	}
	if err := migrator.AddColumn(value, m.versionField.Name); err != nil {
		return fmt.Errorf("versioning: add %s.%s: %w", m.table, m.versionField.DBName, err)
	}
	return nil
}

func (m *Model) ensureIndexes(tx *gorm.DB) error {
	entity := m.newHistoryEntity()
	history := tx.Table(m.historyTable).Migrator()
	table := clause.Table{Name: m.historyTable}
	owner := clause.Column{Name: m.options.ForeignKey}
	version := clause.Column{Name: m.options.VersionColumn}

	ownerIndex := m.historyTable + historyOwnerIndexSuffix
	if !history.HasIndex(entity, ownerIndex) {
		if err := tx.Exec("CREATE INDEX ? ON ? (?)", clause.Table{Name: ownerIndex}, table, owner).Error; err != nil {
			return fmt.Errorf("versioning: index %s: %w", ownerIndex, err)
		}
	}
	uniqueIndex := m.historyTable + historyUniqueIdxSuffix
	if !history.HasIndex(entity, uniqueIndex) {
		if err := tx.Exec("CREATE UNIQUE INDEX ? ON ? (?, ?)", clause.Table{Name: uniqueIndex}, table, owner, version).Error; err != nil {
			return fmt.Errorf("versioning: index %s: %w", uniqueIndex, err)
		}
	}
	return nil
}
