package versioning

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Version wraps one history row.
type Version struct {
	model *Model
	row   reflect.Value
}

func (m *Model) wrap(row reflect.Value) *Version {
	return &Version{model: m, row: row}
}

// NewVersion returns an unsaved, empty history row of the model. It is mostly useful to
// exercise reversion target checks.
func (m *Model) NewVersion(ownerID interface{}, number int64) *Version {
	row := reflect.New(m.historyType).Elem()
	ctx := context.Background()
	_ = assign(m.historyOwner.ReflectValueOf(ctx, row), reflect.ValueOf(ownerID))
	m.historyVersion.ReflectValueOf(ctx, row).SetInt(number)
	return m.wrap(row)
}

// Model returns the tracked model the snapshot belongs to.
func (v *Version) Model() *Model { return v.model }

// ID returns the history row identifier; zero for an unsaved row.
func (v *Version) ID() int64 {
	return v.model.historyID.ReflectValueOf(context.Background(), v.row).Int()
}

// Number returns the snapshot's version number.
func (v *Version) Number() int64 {
	return v.model.historyVersion.ReflectValueOf(context.Background(), v.row).Int()
}

// OwnerID returns the live record's primary key.
func (v *Version) OwnerID() interface{} {
	return v.model.historyOwner.ReflectValueOf(context.Background(), v.row).Interface()
}

// Persisted reports whether the row was read from or written to the history table.
func (v *Version) Persisted() bool {
	return v.ID() != 0
}

// Get returns the stored value of a history column.
func (v *Version) Get(column string) (interface{}, bool) {
	field := v.model.history.LookUpField(column)
	if field == nil {
		return nil, false
	}
	return field.ReflectValueOf(context.Background(), v.row).Interface(), true
}

// Values returns every history column keyed by column name.
func (v *Version) Values() map[string]interface{} {
	values := make(map[string]interface{}, len(v.model.history.Fields))
	for _, field := range v.model.history.Fields {
		if field.DBName == "" {
			continue
		}
		values[field.DBName] = field.ReflectValueOf(context.Background(), v.row).Interface()
	}
	return values
}

// Entity returns a pointer to the underlying generated history struct.
func (v *Version) Entity() interface{} {
	return v.row.Addr().Interface()
}

// Previous returns the nearest older snapshot of the same owner.
func (v *Version) Previous(tx *gorm.DB) (*Version, error) {
	return v.model.historyFor(tx, v.OwnerID()).Before(v.Number())
}

// Next returns the nearest newer snapshot of the same owner.
func (v *Version) Next(tx *gorm.DB) (*Version, error) {
	return v.model.historyFor(tx, v.OwnerID()).After(v.Number())
}

// History is the ordered snapshot collection of one live record.
type History struct {
	model   *Model
	db      *gorm.DB
	ownerID interface{}
}

// History returns the snapshot collection of a persisted record.
func (m *Model) History(tx *gorm.DB, record interface{}) (*History, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return nil, err
	}
	id, persisted := m.ownerID(contextOf(tx), value)
	if !persisted {
		return nil, ErrNotPersisted
	}
	return m.historyFor(tx, id), nil
}

func (m *Model) historyFor(tx *gorm.DB, ownerID interface{}) *History {
	return &History{model: m, db: tx, ownerID: ownerID}
}

func (h *History) query() *gorm.DB {
	return h.model.historyQuery(h.db).
		Where(clause.Eq{Column: clause.Column{Name: h.model.options.ForeignKey}, Value: h.ownerID})
}

func (h *History) versionColumn() clause.Column {
	return clause.Column{Name: h.model.options.VersionColumn}
}

func (h *History) find(query *gorm.DB) ([]*Version, error) {
	rows := reflect.New(reflect.SliceOf(h.model.historyType))
	if err := query.Find(rows.Interface()).Error; err != nil {
		return nil, err
	}
	versions := make([]*Version, 0, rows.Elem().Len())
	for index := 0; index < rows.Elem().Len(); index++ {
		versions = append(versions, h.model.wrap(rows.Elem().Index(index)))
	}
	return versions, nil
}

func (h *History) first(query *gorm.DB) (*Version, error) {
	versions, err := h.find(query.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrVersionNotFound
	}
	return versions[0], nil
}

// All returns every snapshot ordered by version number.
func (h *History) All() ([]*Version, error) {
	return h.find(h.query().Order(clause.OrderByColumn{Column: h.versionColumn()}))
}

// Count returns the number of stored snapshots.
func (h *History) Count() (int64, error) {
	var count int64
	err := h.query().Count(&count).Error
	return count, err
}

// Earliest returns the lowest-numbered snapshot.
func (h *History) Earliest() (*Version, error) {
	return h.first(h.query().Order(clause.OrderByColumn{Column: h.versionColumn()}))
}

// Latest returns the highest-numbered snapshot.
func (h *History) Latest() (*Version, error) {
	return h.first(h.query().Order(clause.OrderByColumn{Column: h.versionColumn(), Desc: true}))
}

// Before returns the nearest snapshot numbered below number.
func (h *History) Before(number int64) (*Version, error) {
	return h.first(h.query().
		Where(clause.Lt{Column: h.versionColumn(), Value: number}).
		Order(clause.OrderByColumn{Column: h.versionColumn(), Desc: true}))
}

// After returns the nearest snapshot numbered above number.
func (h *History) After(number int64) (*Version, error) {
	return h.first(h.query().
		Where(clause.Gt{Column: h.versionColumn(), Value: number}).
		Order(clause.OrderByColumn{Column: h.versionColumn()}))
}

// Find returns the snapshot with the given number.
func (h *History) Find(number int64) (*Version, error) {
	return h.first(h.query().Where(clause.Eq{Column: h.versionColumn(), Value: number}))
}

// Delete removes every snapshot of the owner. It is the administrative purge; nothing in
// the save path calls it.
func (h *History) Delete() (int64, error) {
	result := h.model.historyWriter(h.db).
		Where(clause.Eq{Column: clause.Column{Name: h.model.options.ForeignKey}, Value: h.ownerID}).
		Delete(h.model.newHistoryEntity())
	return result.RowsAffected, result.Error
}

// ValueRun is a span of consecutive snapshots that stored the same column value.
type ValueRun struct {
	Value        interface{}
	FirstVersion int64
	LastVersion  int64
}

// ColumnRuns scans the snapshots in version order and groups consecutive equal values of
// column. Pruned versions simply start the report later.
func (h *History) ColumnRuns(column string) ([]ValueRun, error) {
	field := h.model.owner.LookUpField(column)
	if field == nil || h.model.permanent[field.DBName] || h.model.history.LookUpField(field.DBName) == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, h.model.name, column)
	}
	versions, err := h.All()
	if err != nil {
		return nil, err
	}
	var runs []ValueRun
	for _, version := range versions {
		value, _ := version.Get(field.DBName)
		if last := len(runs) - 1; last >= 0 && valuesEqual(runs[last].Value, value) {
			runs[last].LastVersion = version.Number()
			continue
		}
		runs = append(runs, ValueRun{Value: value, FirstVersion: version.Number(), LastVersion: version.Number()})
	}
	return runs, nil
}

// ColumnChange is one tracked column that differs between two snapshots.
type ColumnChange struct {
	Column string
	From   interface{}
	To     interface{}
}

// Diff lists the tracked columns whose stored values differ between from and to.
func Diff(from, to *Version) []ColumnChange {
	if from == nil || to == nil || from.model != to.model {
		return nil
	}
	var changes []ColumnChange
	for _, column := range from.model.VersionedColumns() {
		before, _ := from.Get(column)
		after, _ := to.Get(column)
		if !valuesEqual(before, after) {
			changes = append(changes, ColumnChange{Column: column, From: before, To: after})
		}
	}
	return changes
}

// FetchVersion returns the record's snapshot with the given number.
func (m *Model) FetchVersion(tx *gorm.DB, record interface{}, number int64) (*Version, error) {
	history, err := m.History(tx, record)
	if err != nil {
		return nil, err
	}
	return history.Find(number)
}

// CurrentVersion returns the snapshot matching the record's in-memory version number.
func (m *Model) CurrentVersion(tx *gorm.DB, record interface{}) (*Version, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return nil, err
	}
	return m.FetchVersion(tx, record, m.versionOf(contextOf(tx), value))
}

// IsCurrentVersion reports whether the record's version number is the newest stored one.
// A reverted record that has not been saved is not current.
func (m *Model) IsCurrentVersion(tx *gorm.DB, record interface{}) (bool, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return false, err
	}
	history, err := m.History(tx, record)
	if err != nil {
		return false, err
	}
	latest, err := history.Latest()
	if errors.Is(err, ErrVersionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Number() == m.versionOf(contextOf(tx), value), nil
}

func contextOf(tx *gorm.DB) context.Context {
	if tx != nil && tx.Statement != nil && tx.Statement.Context != nil {
		return tx.Statement.Context
	}
	return context.Background()
}
