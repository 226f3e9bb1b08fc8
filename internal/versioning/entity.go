package versioning

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

var (
	int64Type      = reflect.TypeOf(int64(0))
	int64PtrType   = reflect.TypeOf((*int64)(nil))
	stringPtrType  = reflect.TypeOf((*string)(nil))
	deletedAtType  = reflect.TypeOf(gorm.DeletedAt{})
	nullTimeType   = reflect.TypeOf(sql.NullTime{})
	shadowTypeSize = 255
)

type historyColumn struct {
	column   string
	goType   reflect.Type
	settings []string
}

// buildHistoryType composes the snapshot row type from the owner's reflected schema:
// id, owner key, version number, every tracked column, then the shadow columns.
func buildHistoryType(m *Model) (reflect.Type, error) {
	columns := []historyColumn{
		{column: historyIDColumn, goType: int64Type, settings: []string{"primaryKey", "autoIncrement"}},
		{column: m.options.ForeignKey, goType: m.primary.FieldType, settings: append(mirrorSettings(m.primary), "not null")},
		{column: m.options.VersionColumn, goType: int64Type, settings: []string{"not null"}},
	}
	for _, field := range m.tracked {
		columns = append(columns, historyColumn{
			column:   field.DBName,
			goType:   mirrorType(field.FieldType),
			settings: mirrorSettings(field),
		})
	}
	if m.inheritance != nil {
		columns = append(columns, historyColumn{
			column:   m.options.DiscriminatorShadowColumn,
			goType:   m.inheritance.FieldType,
			settings: mirrorSettings(m.inheritance),
		})
	}
	for _, association := range m.associations {
		columns = append(columns, historyColumn{column: association.shadowKey, goType: int64PtrType})
		if association.polymorphic() {
			columns = append(columns, historyColumn{
				column:   association.shadowType,
				goType:   stringPtrType,
				settings: []string{"size:" + strconv.Itoa(shadowTypeSize)},
			})
		}
	}

	seenColumns := make(map[string]bool, len(columns))
	seenNames := make(map[string]bool, len(columns))
	fields := make([]reflect.StructField, 0, len(columns))
	for _, column := range columns {
		if seenColumns[column.column] {
			return nil, configError(m.name, "history column %q is declared twice", column.column)
		}
		seenColumns[column.column] = true
		name := exportedName(column.column)
		if seenNames[name] {
			return nil, configError(m.name, "history column %q collides with another column name", column.column)
		}
		seenNames[name] = true

		settings := append([]string{"column:" + column.column}, column.settings...)
		settings = append(settings, "autoCreateTime:false", "autoUpdateTime:false")
		fields = append(fields, reflect.StructField{
			Name: name,
			Type: column.goType,
			Tag:  reflect.StructTag(`gorm:` + strconv.Quote(strings.Join(settings, ";"))),
		})
	}

	historyType, err := structOf(fields)
	if err != nil {
		return nil, configError(m.name, "history entity: %v", err)
	}
	return historyType, nil
}

func structOf(fields []reflect.StructField) (historyType reflect.Type, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%v", recovered)
		}
	}()
	return reflect.StructOf(fields), nil
}

// mirrorType keeps the owner's Go type except for soft-delete markers, which would
// turn pruning into soft deletes on the history table.
func mirrorType(fieldType reflect.Type) reflect.Type {
	if fieldType == deletedAtType {
		return nullTimeType
	}
	return fieldType
}

func mirrorSettings(field *schema.Field) []string {
	var settings []string
	if value, ok := field.TagSettings["TYPE"]; ok && value != "" {
		settings = append(settings, "type:"+value)
	}
	if value, ok := field.TagSettings["SERIALIZER"]; ok && value != "" {
		settings = append(settings, "serializer:"+value)
	}
	if field.Size > 0 {
		settings = append(settings, "size:"+strconv.Itoa(field.Size))
	}
	if field.Precision > 0 {
		settings = append(settings, "precision:"+strconv.Itoa(field.Precision))
	}
	if field.Scale > 0 {
		settings = append(settings, "scale:"+strconv.Itoa(field.Scale))
	}
	return settings
}

func exportedName(column string) string {
	var builder strings.Builder
	upperNext := true
	for _, r := range column {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upperNext = true
			continue
		}
		if builder.Len() == 0 && unicode.IsDigit(r) {
			builder.WriteString("C")
		}
		if upperNext {
			builder.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		builder.WriteRune(r)
	}
	if builder.Len() == 0 {
		return "Column"
	}
	return builder.String()
}
