package versioning

import (
	"errors"
	"testing"

	"gorm.io/gorm"
)

func newRevisedProduct(t *testing.T) (*gorm.DB, *Product, *Model) {
	t.Helper()
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1", Price: 1}
	mustCreate(t, db, product)
	product.Title, product.Price = "v2", 2
	mustSave(t, db, product)
	product.Title, product.Price = "v3", 3
	mustSave(t, db, product)
	return db, product, models.product
}

func TestRevertToIsIdempotent(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1", Price: 1}
	mustCreate(t, db, product)
	product.Title, product.Price = "v2", 2
	mustSave(t, db, product)

	for attempt := 0; attempt < 2; attempt++ {
		reverted, err := models.product.RevertTo(db, product, 1)
		if err != nil || !reverted {
			t.Fatalf("attempt %d: expected revert to succeed, got %v %v", attempt, reverted, err)
		}
		if product.Title != "v1" || product.Price != 1 || product.Version != 1 {
			t.Fatalf("attempt %d: unexpected state %+v", attempt, product)
		}
	}
}

func TestRevertToLatestRoundTrips(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1", Price: 1}
	mustCreate(t, db, product)
	product.Title, product.Price = "v2", 2.5
	mustSave(t, db, product)

	latest, err := mustHistory(t, db, models.product, product).Latest()
	if err != nil {
		t.Fatalf("failed to load latest snapshot: %v", err)
	}
	if !models.product.RevertToVersion(product, latest) {
		t.Fatalf("expected revert to latest to succeed")
	}
	current, err := models.product.CurrentVersion(db, product)
	if err != nil {
		t.Fatalf("failed to load current version: %v", err)
	}
	if mustValue(t, current, "title") != "v2" || mustValue(t, current, "price") != 2.5 {
		t.Fatalf("unexpected current snapshot: %v", current.Values())
	}
	if len(Diff(latest, current)) != 0 {
		t.Fatalf("expected no differences, got %v", Diff(latest, current))
	}
	isCurrent, err := models.product.IsCurrentVersion(db, product)
	if err != nil || !isCurrent {
		t.Fatalf("expected record to be current, got %v %v", isCurrent, err)
	}
}

func TestRevertToMissingVersionReportsFalse(t *testing.T) {
	db, product, model := newRevisedProduct(t)

	title := product.Title
	reverted, err := model.RevertTo(db, product, 99)
	if err != nil || reverted {
		t.Fatalf("expected missing version to be rejected without error, got %v %v", reverted, err)
	}
	if product.Title != title {
		t.Fatalf("rejected revert must not modify the record")
	}
}

func TestRevertToVersionRejectsForeignAndUnsavedSnapshots(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	first := &Product{Type: "Book", Title: "first"}
	second := &Product{Type: "Book", Title: "second"}
	mustCreate(t, db, first)
	mustCreate(t, db, second)

	foreign, err := mustHistory(t, db, models.product, second).Latest()
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if models.product.RevertToVersion(first, foreign) {
		t.Fatalf("expected snapshot of another record to be rejected")
	}
	if models.product.RevertToVersion(first, models.product.NewVersion(first.ID, 1)) {
		t.Fatalf("expected unsaved snapshot to be rejected")
	}
	authorSnapshot := models.author.NewVersion(uint(1), 1)
	if models.product.RevertToVersion(first, authorSnapshot) {
		t.Fatalf("expected snapshot of another model to be rejected")
	}
	if first.Title != "first" {
		t.Fatalf("rejected reverts must not modify the record, got %q", first.Title)
	}
}

func TestRevertToAndSaveSuppressesVersioning(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1"}
	mustCreate(t, db, product)
	product.Title = "v2"
	mustSave(t, db, product)

	if !models.product.RevertToAndSave(db, product, 1) {
		t.Fatalf("expected revert and save to succeed")
	}
	history := mustHistory(t, db, models.product, product)
	if count := mustCount(t, history); count != 2 {
		t.Fatalf("restoring save must not create a snapshot, got %d", count)
	}

	var stored Product
	if err := db.First(&stored, product.ID).Error; err != nil {
		t.Fatalf("failed to reload product: %v", err)
	}
	if stored.Title != "v1" || stored.Version != 1 {
		t.Fatalf("unexpected stored state: %q v%d", stored.Title, stored.Version)
	}
	isCurrent, err := models.product.IsCurrentVersion(db, &stored)
	if err != nil || isCurrent {
		t.Fatalf("expected reverted record not to be current, got %v %v", isCurrent, err)
	}

	stored.Title = "v3"
	mustSave(t, db, &stored)
	if stored.Version != 3 {
		t.Fatalf("expected next save to continue at version 3, got %d", stored.Version)
	}
}

func TestRevertToAndSaveStrictReturnsTargetError(t *testing.T) {
	db, models := newVersionedDatabase(t, Options{})
	product := &Product{Type: "Book", Title: "v1"}
	mustCreate(t, db, product)

	err := models.product.RevertToAndSaveStrict(db, product, 7)
	if !errors.Is(err, ErrReversionTarget) {
		t.Fatalf("expected ErrReversionTarget, got %v", err)
	}
	if models.product.RevertToAndSave(db, product, 7) {
		t.Fatalf("expected non-strict variant to report false")
	}
}

func TestHistoryNavigation(t *testing.T) {
	db, product, model := newRevisedProduct(t)
	history := mustHistory(t, db, model, product)

	earliest, err := history.Earliest()
	if err != nil || earliest.Number() != 1 {
		t.Fatalf("unexpected earliest: %v %v", earliest, err)
	}
	before, err := history.Before(3)
	if err != nil || before.Number() != 2 {
		t.Fatalf("unexpected before(3): %v", err)
	}
	after, err := history.After(1)
	if err != nil || after.Number() != 2 {
		t.Fatalf("unexpected after(1): %v", err)
	}
	if _, err := history.After(3); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound after the latest, got %v", err)
	}

	previous, err := after.Previous(db)
	if err != nil || previous.Number() != 1 {
		t.Fatalf("unexpected previous: %v", err)
	}
	next, err := after.Next(db)
	if err != nil || next.Number() != 3 {
		t.Fatalf("unexpected next: %v", err)
	}

	changes := Diff(earliest, next)
	if len(changes) == 0 {
		t.Fatalf("expected differences between versions 1 and 3")
	}

	product.Title = "v1"
	mustSave(t, db, product)
	runs, err := history.ColumnRuns("title")
	if err != nil {
		t.Fatalf("failed to compute runs: %v", err)
	}
	if len(runs) != 4 || runs[3].Value != "v1" || runs[3].FirstVersion != 4 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if _, err := history.ColumnRuns("type"); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn for the discriminator, got %v", err)
	}
	if _, err := history.ColumnRuns("version"); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn for the version column, got %v", err)
	}
}
