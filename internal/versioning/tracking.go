package versioning

import (
	"bytes"
	"database/sql/driver"
	"reflect"
	"time"
)

// Versioned is embedded (tagged `gorm:"-"`) by every tracked model. It keeps the column
// values as of the last load or save, which is what change detection compares against,
// and the snapshot-pending flag set between the pre-save and post-save callbacks.
type Versioned struct {
	original map[string]interface{}
	pending  bool
}

func (v *Versioned) versioningState() *Versioned {
	return v
}

// Loaded reports whether the record has been read from or written to the database since
// it was constructed.
func (v *Versioned) Loaded() bool {
	return v.original != nil
}

type tracked interface {
	versioningState() *Versioned
}

var trackedType = reflect.TypeOf((*tracked)(nil)).Elem()

func (v *Versioned) remember(values map[string]interface{}) {
	v.original = values
}

func (v *Versioned) originalValue(column string) (interface{}, bool) {
	if v.original == nil {
		return nil, false
	}
	value, ok := v.original[column]
	return value, ok
}

// detach copies pointer and byte-slice values so that stored snapshots and originals
// never alias the live record.
func detach(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if raw, ok := value.([]byte); ok {
		return append([]byte(nil), raw...)
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Ptr:
		if reflected.IsNil() {
			return value
		}
		copied := reflect.New(reflected.Elem().Type())
		copied.Elem().Set(reflected.Elem())
		return copied.Interface()
	case reflect.Slice:
		if reflected.IsNil() {
			return value
		}
		copied := reflect.MakeSlice(reflected.Type(), reflected.Len(), reflected.Len())
		reflect.Copy(copied, reflected)
		return copied.Interface()
	}
	return value
}

func valuesEqual(left, right interface{}) bool {
	if left == nil || right == nil {
		return isNilValue(left) && isNilValue(right)
	}
	if leftTime, ok := left.(time.Time); ok {
		rightTime, ok := right.(time.Time)
		return ok && leftTime.Equal(rightTime)
	}
	leftReflect, rightReflect := reflect.ValueOf(left), reflect.ValueOf(right)
	if leftReflect.Kind() == reflect.Slice && leftReflect.Type().Elem().Kind() == reflect.Uint8 &&
		rightReflect.Kind() == reflect.Slice && rightReflect.Type().Elem().Kind() == reflect.Uint8 {
		return bytes.Equal(leftReflect.Bytes(), rightReflect.Bytes())
	}
	if leftReflect.Kind() == reflect.Ptr && rightReflect.Kind() == reflect.Ptr {
		if leftReflect.IsNil() || rightReflect.IsNil() {
			return leftReflect.IsNil() && rightReflect.IsNil()
		}
		return valuesEqual(leftReflect.Elem().Interface(), rightReflect.Elem().Interface())
	}
	leftValuer, leftOK := left.(driver.Valuer)
	rightValuer, rightOK := right.(driver.Valuer)
	if leftOK && rightOK {
		leftValue, leftErr := leftValuer.Value()
		rightValue, rightErr := rightValuer.Value()
		if leftErr == nil && rightErr == nil {
			return reflect.DeepEqual(leftValue, rightValue) || valuesEqual(leftValue, rightValue)
		}
	}
	return reflect.DeepEqual(left, right)
}

func isNilValue(value interface{}) bool {
	if value == nil {
		return true
	}
	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map, reflect.Interface:
		return reflected.IsNil()
	}
	return false
}
