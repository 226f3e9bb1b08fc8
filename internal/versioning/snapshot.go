package versioning

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// buildVersion materializes a history row from the saved live record.
func (m *Model) buildVersion(db *gorm.DB, record reflect.Value) (interface{}, error) {
	ctx := db.Statement.Context
	entity := reflect.New(m.historyType)
	row := entity.Elem()

	if err := assign(m.historyOwner.ReflectValueOf(ctx, row), m.primary.ReflectValueOf(ctx, record)); err != nil {
		return nil, fmt.Errorf("versioning: %s owner key: %w", m.name, err)
	}
	m.historyVersion.ReflectValueOf(ctx, row).SetInt(m.versionOf(ctx, record))

	if err := m.cloneFields(ctx, record, row, true); err != nil {
		return nil, err
	}
	for _, association := range m.associations {
		if err := m.snapshotAssociation(db, record, row, association); err != nil {
			return nil, err
		}
	}
	return entity.Interface(), nil
}

// cloneFields copies every tracked column between a live record and a history row. The
// direction is live to history when toHistory is set. Columns missing on either side are
// skipped. The discriminator travels through its shadow column.
func (m *Model) cloneFields(ctx context.Context, record, row reflect.Value, toHistory bool) error {
	for _, field := range m.tracked {
		historyField := m.history.LookUpField(field.DBName)
		if historyField == nil {
			continue
		}
		live, stored := field.ReflectValueOf(ctx, record), historyField.ReflectValueOf(ctx, row)
		var err error
		if toHistory {
			err = assign(stored, live)
		} else {
			err = assign(live, stored)
		}
		if err != nil {
			return fmt.Errorf("versioning: clone %s.%s: %w", m.name, field.DBName, err)
		}
	}

	if m.inheritance == nil || m.historyShadow == nil {
		return nil
	}
	live, stored := m.inheritance.ReflectValueOf(ctx, record), m.historyShadow.ReflectValueOf(ctx, row)
	if toHistory {
		return assign(stored, live)
	}
	return assign(live, stored)
}

// snapshotAssociation stores the id of the associated record's current snapshot, plus the
// target's history entity name for polymorphic relations. Unset or unresolvable
// associations leave both shadow columns null.
func (m *Model) snapshotAssociation(db *gorm.DB, record, row reflect.Value, association resolvedAssociation) error {
	ctx := db.Statement.Context
	foreignKey, zero := association.foreignKey.ValueOf(ctx, record)
	if zero {
		return nil
	}
	targetID, ok := indirect(foreignKey)
	if !ok {
		return nil
	}

	var target *Model
	if association.polymorphic() {
		typeValue, _ := association.typeField.ValueOf(ctx, record)
		name, ok := indirect(typeValue)
		if !ok || fmt.Sprint(name) == "" {
			return nil
		}
		target = m.plugin.modelForPolymorphic(fmt.Sprint(name))
		if target == nil {
			return nil
		}
	} else {
		target = m.plugin.modelFor(association.target)
		if target == nil {
			return configError(m.name, "association %s: %s is not versioned", association.Name, association.target.Name())
		}
	}

	snapshotID, found, err := target.currentSnapshotID(db, targetID)
	if err != nil || !found {
		return err
	}
	if field := m.history.LookUpField(association.shadowKey); field != nil {
		field.ReflectValueOf(ctx, row).Set(reflect.ValueOf(&snapshotID))
	}
	if association.polymorphic() {
		if field := m.history.LookUpField(association.shadowType); field != nil {
			name := target.historyName
			field.ReflectValueOf(ctx, row).Set(reflect.ValueOf(&name))
		}
	}
	return nil
}

// currentSnapshotID resolves the snapshot whose number equals the live row's version.
func (m *Model) currentSnapshotID(db *gorm.DB, id interface{}) (int64, bool, error) {
	var versions []int64
	err := m.recordQuery(db).
		Where(clause.Eq{Column: clause.Column{Name: m.primary.DBName}, Value: id}).
		Limit(1).
		Pluck(m.options.VersionColumn, &versions).Error
	if err != nil || len(versions) == 0 {
		return 0, false, err
	}
	return m.snapshotID(db, id, versions[0])
}

func (m *Model) snapshotID(db *gorm.DB, id interface{}, number int64) (int64, bool, error) {
	var ids []int64
	err := m.historyQuery(db).
		Where(clause.Eq{Column: clause.Column{Name: m.options.ForeignKey}, Value: id}).
		Where(clause.Eq{Column: clause.Column{Name: m.options.VersionColumn}, Value: number}).
		Limit(1).
		Pluck(historyIDColumn, &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

// assign copies source into destination, converting between compatible types such as
// gorm.DeletedAt and sql.NullTime. Pointer and byte-slice values are copied, not shared.
func assign(destination, source reflect.Value) error {
	if !destination.CanSet() {
		return fmt.Errorf("destination %s is not settable", destination.Type())
	}
	if !source.IsValid() {
		destination.Set(reflect.Zero(destination.Type()))
		return nil
	}
	value := reflect.ValueOf(detach(source.Interface()))
	if !value.IsValid() {
		destination.Set(reflect.Zero(destination.Type()))
		return nil
	}
	switch {
	case value.Type().AssignableTo(destination.Type()):
		destination.Set(value)
	case value.Type().ConvertibleTo(destination.Type()):
		destination.Set(value.Convert(destination.Type()))
	default:
		return fmt.Errorf("cannot assign %s to %s", value.Type(), destination.Type())
	}
	return nil
}
