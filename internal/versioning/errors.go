package versioning

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionNotFound indicates that no history row matches the requested owner and number.
	ErrVersionNotFound = errors.New("versioning: version not found")
	// ErrReversionTarget indicates that a reversion target is missing, unsaved, or owned by another record.
	ErrReversionTarget = errors.New("versioning: invalid reversion target")
	// ErrStaleRecord indicates that an optimistic-lock guarded update matched no rows.
	ErrStaleRecord = errors.New("versioning: stale record")
	// ErrNotTracked indicates that a value is not a registered tracked model.
	ErrNotTracked = errors.New("versioning: model is not tracked")
	// ErrNotPersisted indicates that a record has no primary key yet.
	ErrNotPersisted = errors.New("versioning: record is not persisted")
	// ErrUnknownColumn indicates that a column is not versioned by the model.
	ErrUnknownColumn = errors.New("versioning: column is not versioned")
)

// ConfigurationError reports an invalid tracking setup. It is returned from Register
// and never swallowed.
type ConfigurationError struct {
	Model  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("versioning: configuration: %s", e.Reason)
	}
	return fmt.Sprintf("versioning: configuration of %s: %s", e.Model, e.Reason)
}

func configError(model string, format string, args ...interface{}) error {
	return &ConfigurationError{Model: model, Reason: fmt.Sprintf(format, args...)}
}

// DriftedColumn names a history column that has no counterpart on the owner schema.
// UpdateHistoryTable reports these and leaves them in place.
type DriftedColumn struct {
	Table  string
	Column string
}

func (c DriftedColumn) String() string {
	return c.Table + "." + c.Column
}
