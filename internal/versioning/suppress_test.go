package versioning

import (
	"errors"
	"testing"
)

func TestWithoutVersioningSkipsSnapshotsAndRestores(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1"}
	mustCreate(t, db, product)
	history := mustHistory(t, db, models.product, product)

	err := models.product.WithoutVersioning(func() error {
		product.Title = "silent"
		return db.Save(product).Error
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if product.Version != 1 || mustCount(t, history) != 1 {
		t.Fatalf("expected no snapshot inside the scope, got v%d", product.Version)
	}

	product.Title = "loud"
	mustSave(t, db, product)
	if product.Version != 2 || mustCount(t, history) != 2 {
		t.Fatalf("expected versioning to resume, got v%d", product.Version)
	}
}

func TestWithoutVersioningRestoresAfterErrorAndPanic(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1"}
	mustCreate(t, db, product)

	failure := errors.New("boom")
	if err := models.product.WithoutVersioning(func() error { return failure }); !errors.Is(err, failure) {
		t.Fatalf("expected scope error to propagate, got %v", err)
	}

	func() {
		defer func() {
			if recovered := recover(); recovered == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = models.product.WithoutVersioning(func() error { panic("boom") })
	}()

	product.Title = "v2"
	mustSave(t, db, product)
	if product.Version != 2 {
		t.Fatalf("expected versioning to be restored, got v%d", product.Version)
	}
}

func TestNestedScopesRestorePreviousState(t *testing.T) {
	_, models := newVersionedDatabase(t, Options{})
	_ = models.product.WithoutVersioning(func() error {
		_ = models.product.WithoutVersioning(func() error { return nil })
		if models.product.hooks.enabled(hookVersioning) {
			t.Fatalf("inner scope must not re-enable versioning")
		}
		return nil
	})
	if !models.product.hooks.enabled(hookVersioning) {
		t.Fatalf("expected versioning to be enabled after the outer scope")
	}
}

func TestSkipVersioningIsCallScoped(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1"}
	mustCreate(t, db, product)
	history := mustHistory(t, db, models.product, product)

	product.Title = "skipped"
	if err := SkipVersioning(db).Save(product).Error; err != nil {
		t.Fatalf("failed to save: %v", err)
	}
	other := &Product{Type: "Book", Title: "other"}
	mustCreate(t, db, other)

	if count := mustCount(t, history); count != 1 {
		t.Fatalf("expected skipped save to leave one snapshot, got %d", count)
	}
	if other.Version != 1 {
		t.Fatalf("expected unrelated save to be versioned, got v%d", other.Version)
	}
}

func TestOptimisticLockingDetectsStaleRecords(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	document := &Document{Body: "draft"}
	mustCreate(t, db, document)

	var first, second Document
	if err := db.First(&first, document.ID).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}
	if err := db.First(&second, document.ID).Error; err != nil {
		t.Fatalf("failed to load document: %v", err)
	}

	first.Body = "first edit"
	mustSave(t, db, &first)
	if first.LockVersion != 1 || first.Version != 2 {
		t.Fatalf("unexpected counters after first save: lock=%d version=%d", first.LockVersion, first.Version)
	}

	second.Body = "second edit"
	err := db.Save(&second).Error
	if !errors.Is(err, ErrStaleRecord) {
		t.Fatalf("expected ErrStaleRecord, got %v", err)
	}
	if second.LockVersion != 0 || second.Version != 1 {
		t.Fatalf("expected counters to be restored, got lock=%d version=%d", second.LockVersion, second.Version)
	}
	history := mustHistory(t, db, models.document, document)
	if count := mustCount(t, history); count != 2 {
		t.Fatalf("stale save must not snapshot, got %d", count)
	}

	if err := SkipOptimisticLocking(db).Save(&second).Error; err != nil {
		t.Fatalf("expected unlocked save to succeed: %v", err)
	}
	if second.Version != 3 || mustCount(t, history) != 3 {
		t.Fatalf("expected unlocked save to be versioned, got v%d", second.Version)
	}
}

func TestWithoutOptimisticLockingScope(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	document := &Document{Body: "draft"}
	mustCreate(t, db, document)

	stale := *document
	document.Body = "fresh"
	mustSave(t, db, document)

	stale.Body = "stale"
	err := models.document.WithoutOptimisticLocking(func() error {
		return db.Save(&stale).Error
	})
	if err != nil {
		t.Fatalf("expected save without locking to succeed: %v", err)
	}
	document.Body = "fresh again"
	if err := db.Save(document).Error; !errors.Is(err, ErrStaleRecord) {
		t.Fatalf("expected locking to be restored, got %v", err)
	}
}

func TestSharedLockAndVersionColumnDoesNotDoubleIncrement(t *testing.T) {
	type Ticket struct {
		Versioned   `gorm:"-"`
		ID          uint `gorm:"primaryKey"`
		Subject     string
		LockVersion int64
	}

	db := newTestDatabase(t)
	plugin := newTestPlugin(t, db)
	if err := db.AutoMigrate(&Ticket{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	model := mustRegister(t, plugin, db, &Ticket{}, Options{VersionColumn: "lock_version", LockingColumn: "lock_version"})
	if err := model.CreateHistoryTable(db); err != nil {
		t.Fatalf("failed to create history table: %v", err)
	}

	ticket := &Ticket{Subject: "first"}
	mustCreate(t, db, ticket)
	mustSave(t, db, ticket)
	if ticket.LockVersion != 1 {
		t.Fatalf("an unchanged save must not consume a number, got %d", ticket.LockVersion)
	}
	ticket.Subject = "second"
	mustSave(t, db, ticket)

	if ticket.LockVersion != 2 {
		t.Fatalf("expected counter 2, got %d", ticket.LockVersion)
	}
	numbers := mustNumbers(t, mustHistory(t, db, model, ticket))
	if len(numbers) != 2 || numbers[0] != 1 || numbers[1] != 2 {
		t.Fatalf("unexpected version numbers: %v", numbers)
	}

	stale := &Ticket{ID: ticket.ID, Subject: "stale", LockVersion: 1}
	if err := db.Save(stale).Error; !errors.Is(err, ErrStaleRecord) {
		t.Fatalf("expected the shared counter to keep guarding updates, got %v", err)
	}
}
