package versioning

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Model is the per-type handle returned by Register. It owns the reflected owner schema,
// the generated history entity type and the suppression switches for that type.
type Model struct {
	plugin *Plugin

	name         string
	ownerType    reflect.Type
	owner        *schema.Schema
	table        string
	primary      *schema.Field
	versionField *schema.Field
	lockField    *schema.Field
	inheritance  *schema.Field

	options      Options
	condition    Condition
	tracked      []*schema.Field
	permanent    map[string]bool
	watched      map[string]bool
	associations []resolvedAssociation

	historyName    string
	historyTable   string
	historyType    reflect.Type
	history        *schema.Schema
	historyID      *schema.Field
	historyOwner   *schema.Field
	historyVersion *schema.Field
	historyShadow  *schema.Field

	hooks hookSet
}

type resolvedAssociation struct {
	Association
	foreignKey *schema.Field
	typeField  *schema.Field
	target     reflect.Type
	shadowKey  string
	shadowType string
}

func newModel(plugin *Plugin, db *gorm.DB, owner *schema.Schema, opts Options) (*Model, error) {
	name := owner.Name
	if !reflect.PointerTo(owner.ModelType).Implements(trackedType) {
		return nil, configError(name, "model must embed versioning.Versioned")
	}
	if len(owner.PrimaryFields) != 1 || owner.PrioritizedPrimaryField == nil {
		return nil, configError(name, "model must have exactly one primary key")
	}

	model := &Model{
		plugin:    plugin,
		name:      name,
		ownerType: owner.ModelType,
		owner:     owner,
		table:     owner.Table,
		primary:   owner.PrioritizedPrimaryField,
		permanent: map[string]bool{},
		watched:   map[string]bool{},
		hooks:     newHookSet(),
	}

	resolved, err := model.resolveOptions(db.NamingStrategy, opts)
	if err != nil {
		return nil, err
	}
	model.options = resolved

	if err := model.resolveColumns(); err != nil {
		return nil, err
	}
	if err := model.resolveAssociations(); err != nil {
		return nil, err
	}

	historyType, err := buildHistoryType(model)
	if err != nil {
		return nil, err
	}
	model.historyType = historyType

	statement := &gorm.Statement{DB: db}
	if err := statement.Parse(reflect.New(historyType).Interface()); err != nil {
		return nil, configError(name, "history entity: %v", err)
	}
	model.history = statement.Schema
	model.historyID = model.history.LookUpField(historyIDColumn)
	model.historyOwner = model.history.LookUpField(model.options.ForeignKey)
	model.historyVersion = model.history.LookUpField(model.options.VersionColumn)
	if model.inheritance != nil {
		model.historyShadow = model.history.LookUpField(model.options.DiscriminatorShadowColumn)
	}
	if model.historyID == nil || model.historyOwner == nil || model.historyVersion == nil {
		return nil, configError(name, "history entity is missing its key columns")
	}
	return model, nil
}

func (m *Model) resolveOptions(namer schema.Namer, opts Options) (Options, error) {
	if opts.VersionColumn == "" {
		opts.VersionColumn = defaultVersionColumn
	}
	if opts.ForeignKey == "" {
		opts.ForeignKey = namer.ColumnName("", m.name) + foreignKeyColumnSuffix
	}
	if opts.HistoryTableName == "" {
		opts.HistoryTableName = namer.TableName(m.name) + historyTableSuffix
	}
	if opts.HistoryEntityName == "" {
		opts.HistoryEntityName = m.name + historyEntitySuffix
	}
	if opts.RetentionLimit < 0 {
		return opts, configError(m.name, "retention limit must not be negative, got %d", opts.RetentionLimit)
	}

	m.versionField = m.owner.LookUpField(opts.VersionColumn)
	if m.versionField == nil {
		return opts, configError(m.name, "version column %q not found", opts.VersionColumn)
	}
	if m.versionField.DataType != schema.Int && m.versionField.DataType != schema.Uint {
		return opts, configError(m.name, "version column %q must be an integer", opts.VersionColumn)
	}
	opts.VersionColumn = m.versionField.DBName

	if opts.LockingColumn != "" {
		m.lockField = m.owner.LookUpField(opts.LockingColumn)
		if m.lockField == nil {
			return opts, configError(m.name, "locking column %q not found", opts.LockingColumn)
		}
	} else if field := m.owner.LookUpField(defaultLockingColumn); field != nil {
		m.lockField = field
	}
	if m.lockField != nil {
		if m.lockField.DataType != schema.Int && m.lockField.DataType != schema.Uint {
			return opts, configError(m.name, "locking column %q must be an integer", m.lockField.DBName)
		}
		opts.LockingColumn = m.lockField.DBName
	}

	if opts.InheritanceColumn != "" {
		m.inheritance = m.owner.LookUpField(opts.InheritanceColumn)
		if m.inheritance == nil {
			return opts, configError(m.name, "inheritance column %q not found", opts.InheritanceColumn)
		}
		opts.InheritanceColumn = m.inheritance.DBName
		if opts.DiscriminatorShadowColumn == "" {
			opts.DiscriminatorShadowColumn = shadowColumnPrefix + opts.InheritanceColumn
		}
	} else if opts.DiscriminatorShadowColumn != "" {
		return opts, configError(m.name, "discriminator shadow column set without an inheritance column")
	}

	m.historyName = opts.HistoryEntityName
	m.historyTable = opts.HistoryTableName
	if m.historyTable == m.table {
		return opts, configError(m.name, "history table must differ from the owner table %q", m.table)
	}

	m.condition = opts.Condition
	if m.condition == nil {
		m.condition = Always()
	}
	if method, ok := m.condition.(Method); ok && !method.validFor(m.ownerType) {
		return opts, configError(m.name, "condition method %q must exist with signature func() bool", string(method))
	}
	return opts, nil
}

func (m *Model) resolveColumns() error {
	m.permanent[m.primary.DBName] = true
	m.permanent[m.options.VersionColumn] = true
	if m.lockField != nil {
		m.permanent[m.lockField.DBName] = true
	}
	if m.inheritance != nil {
		m.permanent[m.inheritance.DBName] = true
		m.permanent[m.options.DiscriminatorShadowColumn] = true
	}

	excluded := map[string]bool{}
	for _, column := range m.options.ExcludedColumns {
		field := m.owner.LookUpField(column)
		if field == nil {
			return configError(m.name, "excluded column %q not found", column)
		}
		excluded[field.DBName] = true
	}
	for _, column := range m.options.WatchedColumns {
		field := m.owner.LookUpField(column)
		if field == nil {
			return configError(m.name, "watched column %q not found", column)
		}
		m.watched[field.DBName] = true
	}

	for _, field := range m.owner.Fields {
		if field.DBName == "" || !field.Readable {
			continue
		}
		if m.permanent[field.DBName] || excluded[field.DBName] {
			continue
		}
		m.tracked = append(m.tracked, field)
	}
	return nil
}

func (m *Model) resolveAssociations() error {
	for _, association := range m.options.Associations {
		label := association.Name
		if label == "" {
			label = association.ForeignKey
		}
		foreignKey := m.owner.LookUpField(association.ForeignKey)
		if foreignKey == nil {
			return configError(m.name, "association %s: foreign key %q not found", label, association.ForeignKey)
		}
		resolved := resolvedAssociation{
			Association: association,
			foreignKey:  foreignKey,
			shadowKey:   shadowColumnPrefix + foreignKey.DBName,
		}
		if association.polymorphic() {
			typeField := m.owner.LookUpField(association.TypeColumn)
			if typeField == nil {
				return configError(m.name, "association %s: type column %q not found", label, association.TypeColumn)
			}
			resolved.typeField = typeField
			resolved.shadowType = shadowColumnPrefix + typeField.DBName
		} else {
			if association.Target == nil {
				return configError(m.name, "association %s: target model required", label)
			}
			targetType := reflect.TypeOf(association.Target)
			for targetType.Kind() == reflect.Ptr {
				targetType = targetType.Elem()
			}
			resolved.target = targetType
		}
		m.associations = append(m.associations, resolved)
	}
	return nil
}

// Name returns the owner's Go type name.
func (m *Model) Name() string { return m.name }

// Table returns the owner's table.
func (m *Model) Table() string { return m.table }

// HistoryTable returns the history table name.
func (m *Model) HistoryTable() string { return m.historyTable }

// HistoryEntityName returns the name stored in polymorphic shadow type columns.
func (m *Model) HistoryEntityName() string { return m.historyName }

// HistoryEntityType returns the generated history row type.
func (m *Model) HistoryEntityType() reflect.Type { return m.historyType }

// Options returns the resolved options.
func (m *Model) Options() Options { return m.options }

// VersionedColumns lists the owner columns copied into every snapshot.
func (m *Model) VersionedColumns() []string {
	columns := make([]string, 0, len(m.tracked))
	for _, field := range m.tracked {
		columns = append(columns, field.DBName)
	}
	return columns
}

func (m *Model) newHistoryEntity() interface{} {
	return reflect.New(m.historyType).Interface()
}

func (m *Model) recordValue(record interface{}) (reflect.Value, error) {
	value := reflect.ValueOf(record)
	if value.Kind() != reflect.Ptr || value.IsNil() || value.Elem().Type() != m.ownerType {
		return reflect.Value{}, fmt.Errorf("%w: expected *%s, got %T", ErrNotTracked, m.name, record)
	}
	return value.Elem(), nil
}

func (m *Model) ownerID(ctx context.Context, record reflect.Value) (interface{}, bool) {
	value, zero := m.primary.ValueOf(ctx, record)
	return value, !zero
}

func (m *Model) isNew(ctx context.Context, record reflect.Value) bool {
	_, persisted := m.ownerID(ctx, record)
	return !persisted
}

func (m *Model) versionOf(ctx context.Context, record reflect.Value) int64 {
	value, _ := m.versionField.ValueOf(ctx, record)
	number, _ := toInt64(value)
	return number
}

func (m *Model) remember(ctx context.Context, record reflect.Value) {
	values := make(map[string]interface{}, len(m.owner.DBNames))
	for _, field := range m.owner.Fields {
		if field.DBName == "" || !field.Readable {
			continue
		}
		values[field.DBName] = detach(field.ReflectValueOf(ctx, record).Interface())
	}
	stateOf(record).remember(values)
}

func (m *Model) logger() *zap.Logger {
	if m.plugin == nil {
		return noOpLogger
	}
	return m.plugin.loggerOrDefault()
}

func stateOf(record reflect.Value) *Versioned {
	return record.Addr().Interface().(tracked).versioningState()
}

func toInt64(value interface{}) (int64, bool) {
	reflected := reflect.ValueOf(value)
	for reflected.Kind() == reflect.Ptr {
		if reflected.IsNil() {
			return 0, false
		}
		reflected = reflected.Elem()
	}
	switch reflected.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return reflected.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(reflected.Uint()), true
	}
	return 0, false
}

func indirect(value interface{}) (interface{}, bool) {
	reflected := reflect.ValueOf(value)
	for reflected.Kind() == reflect.Ptr {
		if reflected.IsNil() {
			return nil, false
		}
		reflected = reflected.Elem()
	}
	if !reflected.IsValid() {
		return nil, false
	}
	return reflected.Interface(), true
}

func newOwnerValue(ownerType reflect.Type) interface{} {
	return reflect.New(ownerType).Interface()
}
