package versioning

import (
	"sync"

	"gorm.io/gorm"
)

const (
	settingSkipVersioning = "versioning:skip_versioning"
	settingSkipLocking    = "versioning:skip_optimistic_locking"
	settingLockApplied    = "versioning:lock_applied"
)

// SkipVersioning returns a session whose saves never produce snapshots. The setting lives
// on the statement, so it cannot leak into other saves.
func SkipVersioning(db *gorm.DB) *gorm.DB {
	return db.Set(settingSkipVersioning, true)
}

// SkipOptimisticLocking returns a session whose updates neither check nor bump the lock counter.
func SkipOptimisticLocking(db *gorm.DB) *gorm.DB {
	return db.Set(settingSkipLocking, true)
}

func skipped(db *gorm.DB, key string) bool {
	value, ok := db.Get(key)
	if !ok {
		return false
	}
	flag, _ := value.(bool)
	return flag
}

type hookKind int

const (
	hookVersioning hookKind = iota
	hookOptimisticLocking
)

// hookSet is the removable part of a model's save hooks. Suspending an entry returns the
// function that restores the entry's previous state.
type hookSet struct {
	mu       *sync.Mutex
	disabled map[hookKind]bool
}

func newHookSet() hookSet {
	return hookSet{mu: &sync.Mutex{}, disabled: map[hookKind]bool{}}
}

func (h hookSet) enabled(kind hookKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disabled[kind]
}

func (h hookSet) suspend(kind hookKind) func() {
	h.mu.Lock()
	previous := h.disabled[kind]
	h.disabled[kind] = true
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		h.disabled[kind] = previous
		h.mu.Unlock()
	}
}

// WithoutVersioning runs fn with snapshot creation disabled for every save of this model,
// restoring the previous state when fn returns or panics. The switch is shared by all
// goroutines using the model; concurrent saves of the same model must be synchronized by
// the caller or use SkipVersioning instead.
func (m *Model) WithoutVersioning(fn func() error) error {
	restore := m.hooks.suspend(hookVersioning)
	defer restore()
	return fn()
}

// WithoutOptimisticLocking runs fn with the lock counter check disabled for this model.
// The same sharing caveat as WithoutVersioning applies.
func (m *Model) WithoutOptimisticLocking(fn func() error) error {
	restore := m.hooks.suspend(hookOptimisticLocking)
	defer restore()
	return fn()
}

func (m *Model) versioningEnabled(db *gorm.DB) bool {
	return !skipped(db, settingSkipVersioning) && m.hooks.enabled(hookVersioning)
}

func (m *Model) lockingEnabled(db *gorm.DB) bool {
	return m.lockField != nil && !skipped(db, settingSkipLocking) && m.hooks.enabled(hookOptimisticLocking)
}
