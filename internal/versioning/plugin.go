package versioning

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pluginName = "versioning"

var noOpLogger = zap.NewNop()

// Config configures the plugin.
type Config struct {
	Logger *zap.Logger
}

// Plugin installs the versioning callbacks on a *gorm.DB and keeps the registry of
// tracked models.
type Plugin struct {
	logger *zap.Logger

	mu     sync.RWMutex
	models map[reflect.Type]*Model
}

// New constructs a plugin. Pass it to db.Use before registering models.
func New(cfg Config) *Plugin {
	return &Plugin{
		logger: cfg.Logger,
		models: map[reflect.Type]*Model{},
	}
}

// Name implements gorm.Plugin.
func (p *Plugin) Name() string {
	return pluginName
}

// Initialize implements gorm.Plugin.
func (p *Plugin) Initialize(db *gorm.DB) error {
	create := db.Callback().Create()
	if err := create.After("gorm:before_create").Before("gorm:create").
		Register("versioning:assign_version", p.assignVersionOnCreate); err != nil {
		return err
	}
	if err := create.After("gorm:after_create").Before("gorm:commit_or_rollback_transaction").
		Register("versioning:snapshot", p.snapshot); err != nil {
		return err
	}

	update := db.Callback().Update()
	if err := update.After("gorm:before_update").Before("gorm:update").
		Register("versioning:assign_version", p.assignVersionOnUpdate); err != nil {
		return err
	}
	if err := update.After("versioning:assign_version").Before("gorm:update").
		Register("versioning:optimistic_lock", p.optimisticLock); err != nil {
		return err
	}
	if err := update.After("gorm:update").Before("gorm:commit_or_rollback_transaction").
		Register("versioning:verify_lock", p.verifyLock); err != nil {
		return err
	}
	if err := update.After("gorm:after_update").Before("gorm:commit_or_rollback_transaction").
		Register("versioning:snapshot", p.snapshot); err != nil {
		return err
	}

	return db.Callback().Query().After("gorm:after_query").
		Register("versioning:track_loaded", p.trackLoaded)
}

// Register declares owner as a tracked model. owner is a pointer to a zero value of a
// GORM model that embeds Versioned. Registering the same type twice is a ConfigurationError.
func (p *Plugin) Register(db *gorm.DB, owner interface{}, opts Options) (*Model, error) {
	if db == nil {
		return nil, configError("", "database handle is required")
	}
	statement := &gorm.Statement{DB: db}
	if err := statement.Parse(owner); err != nil {
		return nil, configError(fmt.Sprintf("%T", owner), "parse model: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.models[statement.Schema.ModelType]; exists {
		return nil, configError(statement.Schema.Name, "model is already versioned")
	}
	model, err := newModel(p, db, statement.Schema, opts)
	if err != nil {
		return nil, err
	}
	for _, existing := range p.models {
		if existing.historyTable == model.historyTable {
			return nil, configError(model.name, "history table %q is used by %s", model.historyTable, existing.name)
		}
	}
	p.models[model.ownerType] = model
	p.loggerOrDefault().Debug("versioned model registered",
		zap.String("model", model.name),
		zap.String("history_table", model.historyTable),
		zap.Strings("columns", model.VersionedColumns()),
	)
	return model, nil
}

// Model returns the handle for a registered model value or type.
func (p *Plugin) Model(value interface{}) (*Model, error) {
	modelType := reflect.TypeOf(value)
	for modelType != nil && (modelType.Kind() == reflect.Ptr || modelType.Kind() == reflect.Slice) {
		modelType = modelType.Elem()
	}
	model := p.modelFor(modelType)
	if model == nil {
		return nil, fmt.Errorf("%w: %T", ErrNotTracked, value)
	}
	return model, nil
}

// Models lists the registered models ordered by name.
func (p *Plugin) Models() []*Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	models := make([]*Model, 0, len(p.models))
	for _, model := range p.models {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].name < models[j].name })
	return models
}

func (p *Plugin) modelFor(modelType reflect.Type) *Model {
	if modelType == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.models[modelType]
}

// modelForPolymorphic resolves a polymorphic type column value, which holds either the
// target's table name or its Go type name.
func (p *Plugin) modelForPolymorphic(value string) *Model {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, model := range p.models {
		if model.table == value || model.name == value {
			return model
		}
	}
	return nil
}

func (p *Plugin) loggerOrDefault() *zap.Logger {
	if p == nil || p.logger == nil {
		return noOpLogger
	}
	return p.logger
}

// eachRecord calls fn for every addressable record of a registered model carried by the
// statement.
func (p *Plugin) eachRecord(db *gorm.DB, fn func(*Model, reflect.Value)) {
	if db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	model := p.modelFor(db.Statement.Schema.ModelType)
	if model == nil {
		return
	}
	value := db.Statement.ReflectValue
	switch value.Kind() {
	case reflect.Slice, reflect.Array:
		for index := 0; index < value.Len(); index++ {
			element := reflect.Indirect(value.Index(index))
			if element.Kind() == reflect.Struct && element.Type() == model.ownerType && element.CanAddr() {
				fn(model, element)
			}
		}
	case reflect.Struct:
		if value.Type() == model.ownerType && value.CanAddr() {
			fn(model, value)
		}
	}
}
