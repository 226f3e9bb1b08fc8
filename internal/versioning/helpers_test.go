package versioning

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Product struct {
	Versioned `gorm:"-"`
	ID        uint    `gorm:"primaryKey"`
	Type      string  `gorm:"size:64"`
	Title     string  `gorm:"size:255"`
	Price     float64 `gorm:"precision:10;scale:2"`
	Published bool
	Version   int64
	UpdatedAt time.Time
}

func (p *Product) IsPublished() bool {
	return p.Published
}

type Author struct {
	Versioned `gorm:"-"`
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:120"`
	Version   int64
}

type Comment struct {
	Versioned   `gorm:"-"`
	ID          uint `gorm:"primaryKey"`
	Body        string
	AuthorID    *uint
	SubjectID   *uint
	SubjectType *string `gorm:"size:64"`
	Version     int64
}

type Document struct {
	Versioned   `gorm:"-"`
	ID          uint `gorm:"primaryKey"`
	Body        string
	Version     int64
	LockVersion int64
}

type testModels struct {
	product  *Model
	author   *Model
	comment  *Model
	document *Model
}

var databaseCounter atomic.Int64

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:versioning_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestPlugin(t *testing.T, db *gorm.DB) *Plugin {
	t.Helper()
	plugin := New(Config{Logger: zap.NewNop()})
	if err := db.Use(plugin); err != nil {
		t.Fatalf("failed to install plugin: %v", err)
	}
	return plugin
}

// newVersionedDatabase migrates every test model and registers it with productOptions
// applied to Product.
func newVersionedDatabase(t *testing.T, productOptions Options) (*gorm.DB, testModels) {
	t.Helper()
	db := newTestDatabase(t)
	plugin := newTestPlugin(t, db)
	if err := db.AutoMigrate(&Product{}, &Author{}, &Comment{}, &Document{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if productOptions.InheritanceColumn == "" {
		productOptions.InheritanceColumn = "type"
	}
	models := testModels{
		product: mustRegister(t, plugin, db, &Product{}, productOptions),
		author:  mustRegister(t, plugin, db, &Author{}, Options{}),
		comment: mustRegister(t, plugin, db, &Comment{}, Options{
			Associations: []Association{
				{Name: "Author", ForeignKey: "author_id", Target: &Author{}},
				{Name: "Subject", ForeignKey: "subject_id", TypeColumn: "subject_type"},
			},
		}),
		document: mustRegister(t, plugin, db, &Document{}, Options{}),
	}
	for _, model := range []*Model{models.product, models.author, models.comment, models.document} {
		if err := model.CreateHistoryTable(db); err != nil {
			t.Fatalf("failed to create history table for %s: %v", model.Name(), err)
		}
	}
	return db, models
}

func mustRegister(t *testing.T, plugin *Plugin, db *gorm.DB, owner interface{}, opts Options) *Model {
	t.Helper()
	model, err := plugin.Register(db, owner, opts)
	if err != nil {
		t.Fatalf("failed to register %T: %v", owner, err)
	}
	return model
}

func mustCreate(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Create(value).Error; err != nil {
		t.Fatalf("failed to create %T: %v", value, err)
	}
}

func mustSave(t *testing.T, db *gorm.DB, value interface{}) {
	t.Helper()
	if err := db.Save(value).Error; err != nil {
		t.Fatalf("failed to save %T: %v", value, err)
	}
}

func mustHistory(t *testing.T, db *gorm.DB, model *Model, record interface{}) *History {
	t.Helper()
	history, err := model.History(db, record)
	if err != nil {
		t.Fatalf("failed to open history: %v", err)
	}
	return history
}

func mustCount(t *testing.T, history *History) int64 {
	t.Helper()
	count, err := history.Count()
	if err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	return count
}

func mustNumbers(t *testing.T, history *History) []int64 {
	t.Helper()
	versions, err := history.All()
	if err != nil {
		t.Fatalf("failed to list history: %v", err)
	}
	numbers := make([]int64, 0, len(versions))
	for _, version := range versions {
		numbers = append(numbers, version.Number())
	}
	return numbers
}

func mustValue(t *testing.T, version *Version, column string) interface{} {
	t.Helper()
	value, ok := version.Get(column)
	if !ok {
		t.Fatalf("history column %q missing", column)
	}
	return value
}
