package versioning

import (
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// optimisticLock guards an update of a persisted record with its lock counter: the
// statement only matches the row when the stored counter still equals the in-memory one,
// and the counter is bumped by one. A counter that doubles as the version number is only
// bumped when the save produces a snapshot, so version numbers stay gap-free.
func (p *Plugin) optimisticLock(db *gorm.DB) {
	if db.Error != nil || db.Statement.ReflectValue.Kind() != reflect.Struct {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		if !m.lockingEnabled(db) {
			return
		}
		ctx := db.Statement.Context
		if m.isNew(ctx, record) {
			return
		}
		value, _ := m.lockField.ValueOf(ctx, record)
		previous, _ := toInt64(value)

		db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
			clause.Eq{Column: clause.Column{Table: clause.CurrentTable, Name: m.lockField.DBName}, Value: previous},
		}})
		db.InstanceSet(settingLockApplied, previous)
		if m.lockField == m.versionField && !stateOf(record).pending {
			return
		}
		db.Statement.SetColumn(m.lockField.DBName, previous+1, true)
	})
}

// verifyLock fails the update with ErrStaleRecord when the guarded statement matched no
// row, restoring the in-memory counter and version number.
func (p *Plugin) verifyLock(db *gorm.DB) {
	value, ok := db.InstanceGet(settingLockApplied)
	if !ok {
		return
	}
	previous, ok := value.(int64)
	if !ok || db.Error != nil || db.RowsAffected > 0 {
		return
	}
	p.eachRecord(db, func(m *Model, record reflect.Value) {
		ctx := db.Statement.Context
		state := stateOf(record)
		state.pending = false
		if version, ok := state.originalValue(m.versionField.DBName); ok {
			_ = m.versionField.Set(ctx, record, version)
		}
		_ = m.lockField.Set(ctx, record, previous)
	})
	_ = db.AddError(ErrStaleRecord)
}
