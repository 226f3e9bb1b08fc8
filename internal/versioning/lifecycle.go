package versioning

import (
	"reflect"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

func (p *Plugin) assignVersionOnCreate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		if err := m.beforeSave(db, record, true); err != nil {
			_ = db.AddError(err)
		}
	})
}

func (p *Plugin) assignVersionOnUpdate(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		if err := m.beforeSave(db, record, false); err != nil {
			_ = db.AddError(err)
		}
	})
}

func (p *Plugin) snapshot(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		if err := m.afterSave(db, record); err != nil {
			_ = db.AddError(err)
		}
	})
}

func (p *Plugin) trackLoaded(db *gorm.DB) {
	if db.Error != nil {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		m.remember(db.Statement.Context, record)
	})
}

// beforeSave decides whether the save produces a snapshot and assigns the next version
// number. Inserts of records that were never loaded are new records; upserts of loaded
// records go through the same checks as updates.
func (m *Model) beforeSave(db *gorm.DB, record reflect.Value, creating bool) error {
	ctx := db.Statement.Context
	state := stateOf(record)
	state.pending = false
	if !m.versioningEnabled(db) {
		return nil
	}

	if creating && (m.isNew(ctx, record) || !state.Loaded()) {
		next := int64(1)
		if !m.isNew(ctx, record) {
			latest, err := m.maxVersion(db, record)
			if err != nil {
				return err
			}
			next = latest + 1
		}
		state.pending = true
		return m.setColumn(db, record, m.versionField, next)
	}

	if !m.shouldVersionExisting(ctx, record, db.Statement) {
		return nil
	}
	state.pending = true
	if m.lockField == m.versionField && m.lockingEnabled(db) {
		// The lock counter increment assigns the number.
		return nil
	}
	latest, err := m.maxVersion(db, record)
	if err != nil {
		return err
	}
	return m.setColumn(db, record, m.versionField, latest+1)
}

// afterSave persists the pending snapshot, prunes past the retention limit and resets the
// change-tracking baseline.
func (m *Model) afterSave(db *gorm.DB, record reflect.Value) error {
	ctx := db.Statement.Context
	state := stateOf(record)
	if !state.pending {
		m.remember(ctx, record)
		return nil
	}
	state.pending = false
	if db.Statement.ReflectValue.Kind() == reflect.Struct && db.RowsAffected == 0 {
		return nil
	}

	entity, err := m.buildVersion(db, record)
	if err != nil {
		return err
	}
	if err := m.historyWriter(db).Create(entity).Error; err != nil {
		return err
	}
	if err := m.prune(db, record); err != nil {
		return err
	}
	m.remember(ctx, record)
	return nil
}

// maxVersion re-reads the highest stored version number for the record's owner id. The
// history extension is not applied: numbering must see every stored snapshot.
func (m *Model) maxVersion(db *gorm.DB, record reflect.Value) (int64, error) {
	id, _ := m.ownerID(db.Statement.Context, record)
	var latest int64
	err := m.historyWriter(db).
		Where(clause.Eq{Column: clause.Column{Name: m.options.ForeignKey}, Value: id}).
		Select("COALESCE(MAX(?), 0)", clause.Column{Name: m.options.VersionColumn}).
		Scan(&latest).Error
	return latest, err
}

// prune deletes the snapshots at or below version - limit. Version numbers are gap-free,
// so this keeps exactly the newest limit snapshots.
func (m *Model) prune(db *gorm.DB, record reflect.Value) error {
	limit := int64(m.options.RetentionLimit)
	if limit <= 0 {
		return nil
	}
	ctx := db.Statement.Context
	threshold := m.versionOf(ctx, record) - limit
	if threshold < 1 {
		return nil
	}
	id, _ := m.ownerID(ctx, record)
	result := m.historyWriter(db).
		Where(clause.Eq{Column: clause.Column{Name: m.options.ForeignKey}, Value: id}).
		Where(clause.Lte{Column: clause.Column{Name: m.options.VersionColumn}, Value: threshold}).
		Delete(m.newHistoryEntity())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		m.logger().Debug("history pruned",
			zap.String("model", m.name),
			zap.Any("owner_id", id),
			zap.Int64("through_version", threshold),
			zap.Int64("deleted", result.RowsAffected),
		)
	}
	return nil
}

func (m *Model) setColumn(db *gorm.DB, record reflect.Value, field *schema.Field, value int64) error {
	if db.Statement.ReflectValue.Kind() == reflect.Struct {
		db.Statement.SetColumn(field.DBName, value, true)
		return nil
	}
	return field.Set(db.Statement.Context, record, value)
}

// historyWriter is an unscoped session on the caller's connection, so history writes join
// the surrounding save transaction.
func (m *Model) historyWriter(db *gorm.DB) *gorm.DB {
	return db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).Table(m.historyTable)
}

func (m *Model) historyQuery(db *gorm.DB) *gorm.DB {
	query := m.historyWriter(db)
	if m.options.Extension.History != nil {
		query = query.Scopes(m.options.Extension.History)
	}
	return query
}

func (m *Model) recordQuery(db *gorm.DB) *gorm.DB {
	query := db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).Table(m.table)
	if m.options.Extension.Record != nil {
		query = query.Scopes(m.options.Extension.Record)
	}
	return query
}
