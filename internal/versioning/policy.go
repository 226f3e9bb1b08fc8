package versioning

import (
	"context"
	"reflect"
	"sort"

	"gorm.io/gorm"
)

// ChangedColumns lists the owner columns whose values differ from the last load or save.
// A record that was never loaded reports every column.
func (m *Model) ChangedColumns(record interface{}) ([]string, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return nil, err
	}
	return m.changedColumns(context.Background(), value, nil), nil
}

// ShouldVersion reports whether saving record now would produce a snapshot. It has no
// side effects.
func (m *Model) ShouldVersion(record interface{}) (bool, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return false, err
	}
	ctx := context.Background()
	if m.isNew(ctx, value) {
		return true, nil
	}
	return m.shouldVersionExisting(ctx, value, nil), nil
}

func (m *Model) shouldVersionExisting(ctx context.Context, record reflect.Value, statement *gorm.Statement) bool {
	if !m.condition.Met(record.Addr().Interface()) {
		return false
	}
	return m.altered(m.changedColumns(ctx, record, statement))
}

func (m *Model) altered(changed []string) bool {
	if len(m.watched) > 0 {
		for _, column := range changed {
			if m.watched[column] {
				return true
			}
		}
		return false
	}
	for _, column := range changed {
		if !m.permanent[column] {
			return true
		}
	}
	return false
}

func (m *Model) changedColumns(ctx context.Context, record reflect.Value, statement *gorm.Statement) []string {
	state := stateOf(record)
	changed := map[string]bool{}
	for _, field := range m.owner.Fields {
		if field.DBName == "" || !field.Readable {
			continue
		}
		current := field.ReflectValueOf(ctx, record).Interface()
		original, ok := state.originalValue(field.DBName)
		if !ok || !valuesEqual(current, original) {
			changed[field.DBName] = true
		}
	}

	// Updates(map) and Updates(struct) carry the new values on Dest, not on the model yet.
	if statement != nil && statement.Dest != nil && !sameTarget(statement.Dest, statement.Model) {
		for _, field := range m.owner.Fields {
			if field.DBName == "" || changed[field.DBName] {
				continue
			}
			if statement.Changed(field.Name) {
				changed[field.DBName] = true
			}
		}
	}

	columns := make([]string, 0, len(changed))
	for column := range changed {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func sameTarget(left, right interface{}) bool {
	leftValue, rightValue := reflect.ValueOf(left), reflect.ValueOf(right)
	if leftValue.Kind() != reflect.Ptr || rightValue.Kind() != reflect.Ptr {
		return false
	}
	return leftValue.Pointer() == rightValue.Pointer()
}
