package versioning

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RevertTo overwrites record's tracked columns and version number with the values of its
// snapshot number. Nothing is saved. It reports false when the record has no such
// snapshot; storage errors are returned as is.
func (m *Model) RevertTo(tx *gorm.DB, record interface{}, number int64) (bool, error) {
	value, err := m.recordValue(record)
	if err != nil {
		return false, err
	}
	version, err := m.FetchVersion(tx, record, number)
	if errors.Is(err, ErrVersionNotFound) || errors.Is(err, ErrNotPersisted) {
		m.logger().Debug("reversion target not found",
			zap.String("model", m.name),
			zap.Int64("version", number),
			zap.Error(err),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := m.revert(contextOf(tx), value, version); err != nil {
		return false, err
	}
	return true, nil
}

// RevertToVersion is RevertTo for a snapshot instance. The snapshot must be persisted and
// belong to record.
func (m *Model) RevertToVersion(record interface{}, version *Version) bool {
	ctx := context.Background()
	value, err := m.recordValue(record)
	if err == nil {
		err = m.checkTarget(ctx, value, version)
	}
	if err == nil {
		err = m.revert(ctx, value, version)
	}
	if err != nil {
		m.logger().Debug("reversion rejected", zap.String("model", m.name), zap.Error(err))
		return false
	}
	return true
}

// RevertToAndSave reverts to snapshot number and saves the record with versioning and
// optimistic locking suppressed for that save only. Failures are logged and reported as
// false.
func (m *Model) RevertToAndSave(tx *gorm.DB, record interface{}, number int64) bool {
	if err := m.RevertToAndSaveStrict(tx, record, number); err != nil {
		m.logger().Warn("revert and save failed",
			zap.String("model", m.name),
			zap.Int64("version", number),
			zap.Error(err),
		)
		return false
	}
	return true
}

// RevertToVersionAndSave is RevertToAndSave for a snapshot instance.
func (m *Model) RevertToVersionAndSave(tx *gorm.DB, record interface{}, version *Version) bool {
	if !m.RevertToVersion(record, version) {
		return false
	}
	if err := m.saveReverted(tx, record); err != nil {
		m.logger().Warn("revert and save failed",
			zap.String("model", m.name),
			zap.Int64("version", version.Number()),
			zap.Error(err),
		)
		return false
	}
	return true
}

// RevertToAndSaveStrict is RevertToAndSave returning the failure: ErrReversionTarget when
// the snapshot is missing, or the storage error of the save.
func (m *Model) RevertToAndSaveStrict(tx *gorm.DB, record interface{}, number int64) error {
	reverted, err := m.RevertTo(tx, record, number)
	if err != nil {
		return err
	}
	if !reverted {
		return fmt.Errorf("%w: %s version %d", ErrReversionTarget, m.name, number)
	}
	return m.saveReverted(tx, record)
}

func (m *Model) saveReverted(tx *gorm.DB, record interface{}) error {
	return SkipOptimisticLocking(SkipVersioning(tx)).Save(record).Error
}

func (m *Model) checkTarget(ctx context.Context, record reflect.Value, version *Version) error {
	if version == nil || version.model != m {
		return fmt.Errorf("%w: not a %s snapshot", ErrReversionTarget, m.name)
	}
	if !version.Persisted() {
		return fmt.Errorf("%w: snapshot is not persisted", ErrReversionTarget)
	}
	id, persisted := m.ownerID(ctx, record)
	if !persisted || !valuesEqual(id, version.OwnerID()) {
		return fmt.Errorf("%w: snapshot belongs to another record", ErrReversionTarget)
	}
	return nil
}

func (m *Model) revert(ctx context.Context, record reflect.Value, version *Version) error {
	if err := m.cloneFields(ctx, record, version.row, false); err != nil {
		return err
	}
	return m.versionField.Set(ctx, record, version.Number())
}
