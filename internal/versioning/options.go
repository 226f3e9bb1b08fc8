package versioning

import (
	"reflect"

	"gorm.io/gorm"
)

const (
	defaultVersionColumn    = "version"
	defaultLockingColumn    = "lock_version"
	historyTableSuffix      = "_versions"
	historyEntitySuffix     = "Version"
	shadowColumnPrefix      = "versioned_"
	historyIDColumn         = "id"
	foreignKeyColumnSuffix  = "_id"
	historyOwnerIndexSuffix = "_owner_idx"
	historyUniqueIdxSuffix  = "_owner_version_idx"
)

// Options configures how a tracked type is versioned. Zero values select the defaults.
type Options struct {
	// HistoryEntityName names the snapshot type. Defaults to the owner type name + "Version".
	HistoryEntityName string
	// HistoryTableName defaults to the owner name pluralized by the naming strategy + "_versions".
	HistoryTableName string
	// ForeignKey is the history column pointing at the owner. Defaults to owner name + "_id".
	ForeignKey string
	// InheritanceColumn is the owner's discriminator column. Empty disables discriminator handling.
	InheritanceColumn string
	// DiscriminatorShadowColumn defaults to "versioned_" + InheritanceColumn.
	DiscriminatorShadowColumn string
	// VersionColumn holds the version number on both tables. Defaults to "version".
	VersionColumn string
	// LockingColumn is the optimistic-lock counter. Defaults to "lock_version" when the owner has it.
	LockingColumn string
	// RetentionLimit caps the snapshots kept per owner. Zero keeps everything.
	RetentionLimit int
	// Condition gates versioning of existing records. Defaults to Always().
	Condition Condition
	// WatchedColumns restricts change detection to these columns when non-empty.
	WatchedColumns []string
	// ExcludedColumns are left out of snapshots.
	ExcludedColumns []string
	// Associations declares the belongs-to relations whose targets are versioned.
	Associations []Association
	// Extension contributes query scopes to the subsystem's own queries.
	Extension Extension
}

// Association declares a belongs-to relation to another versioned model. The snapshot
// stores the id of the target's current snapshot in "versioned_" + ForeignKey and, for
// polymorphic relations, the target's history entity name in "versioned_" + TypeColumn.
type Association struct {
	Name       string
	ForeignKey string
	// TypeColumn marks the relation as polymorphic.
	TypeColumn string
	// Target is a value of the associated model; required unless TypeColumn is set.
	Target interface{}
}

func (a Association) polymorphic() bool {
	return a.TypeColumn != ""
}

// Extension holds scopes applied to every query the subsystem issues. Record applies to
// live-table reads (associated record lookups), History to history-table reads.
type Extension struct {
	Record  func(*gorm.DB) *gorm.DB
	History func(*gorm.DB) *gorm.DB
}

// Condition decides whether an existing record may be versioned on save.
type Condition interface {
	Met(record interface{}) bool
}

// ConditionFunc adapts a function to Condition.
type ConditionFunc func(record interface{}) bool

// Met calls f(record).
func (f ConditionFunc) Met(record interface{}) bool {
	return f(record)
}

// Flag is a static condition.
type Flag bool

// Met returns the flag value.
func (f Flag) Met(interface{}) bool {
	return bool(f)
}

// Always is the default condition.
func Always() Condition {
	return Flag(true)
}

// Method calls a named `func() bool` method on the record. Register validates that the
// owner type has it.
type Method string

// Met invokes the method; a record without it never meets the condition.
func (m Method) Met(record interface{}) bool {
	method := reflect.ValueOf(record).MethodByName(string(m))
	if !method.IsValid() {
		return false
	}
	check, ok := method.Interface().(func() bool)
	if !ok {
		return false
	}
	return check()
}

func (m Method) validFor(ownerType reflect.Type) bool {
	method, ok := reflect.PointerTo(ownerType).MethodByName(string(m))
	if !ok {
		return false
	}
	signature := method.Type
	return signature.NumIn() == 1 && signature.NumOut() == 1 && signature.Out(0).Kind() == reflect.Bool
}
