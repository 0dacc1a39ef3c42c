package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillsec/quill/internal/observability/statsd"
)

// DefaultCacheTTL is how long a compiled rule set is served before the
// registry refreshes from the catalog.
const DefaultCacheTTL = 5 * time.Minute

// ruleIndex is an immutable snapshot of the compiled rule and data
// model sets, swapped wholesale on refresh.
type ruleIndex struct {
	rulesByLogType  map[string][]*Rule
	modelsByLogType map[string]*DataModel
}

// RegistryOptions groups dependencies for NewRegistry.
type RegistryOptions struct {
	Catalog       CatalogClient
	CacheTTL      time.Duration
	GlobalsRuleID string
	Logger        *slog.Logger
	Metrics       statsd.Sink
}

// Registry holds the enabled rules and data models, indexed by log
// type, and refreshes them from the catalog when the cache TTL expires.
//
// The index is replaced atomically: concurrent Analyze calls observe
// either the previous or the new set, never a partial mix.
type Registry struct {
	catalog       CatalogClient
	ttl           time.Duration
	globalsRuleID string
	logger        *slog.Logger
	metrics       statsd.Sink

	idx        atomic.Pointer[ruleIndex]
	lastUpdate atomic.Int64 // unix seconds of the last refresh attempt

	refreshMu sync.Mutex
}

// NewRegistry constructs a registry. The first refresh happens lazily
// on the first Refresh call, so construction never touches the catalog.
func NewRegistry(opts RegistryOptions) *Registry {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	globalsID := opts.GlobalsRuleID
	if globalsID == "" {
		globalsID = "globals"
	}
	return &Registry{
		catalog:       opts.Catalog,
		ttl:           ttl,
		globalsRuleID: globalsID,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// RulesFor returns the compiled rules registered for a log type, in
// catalog order.
func (r *Registry) RulesFor(logType string) []*Rule {
	idx := r.idx.Load()
	if idx == nil {
		return nil
	}
	return idx.rulesByLogType[logType]
}

// ModelFor returns the data model for a log type, or nil.
func (r *Registry) ModelFor(logType string) *DataModel {
	idx := r.idx.Load()
	if idx == nil {
		return nil
	}
	return idx.modelsByLogType[logType]
}

// Refresh reloads the rule and data model sets from the catalog if the
// cache TTL elapsed (second precision, inclusive). A transport failure
// leaves the previous index intact and schedules the next attempt at
// the normal cadence; it is only returned as an error when no index has
// ever been loaded.
func (r *Registry) Refresh(ctx context.Context) error {
	if !r.stale() {
		return nil
	}

	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !r.stale() {
		return nil
	}

	idx, err := r.buildIndex(ctx)
	r.lastUpdate.Store(time.Now().Unix())
	if err != nil {
		if r.idx.Load() == nil {
			return err
		}
		r.logger.Error("registry refresh failed, keeping previous rule set", "error", err)
		return nil
	}

	r.idx.Store(idx)
	return nil
}

func (r *Registry) stale() bool {
	if r.idx.Load() == nil {
		return true
	}
	return time.Now().Unix() >= r.lastUpdate.Load()+int64(r.ttl/time.Second)
}

func (r *Registry) buildIndex(ctx context.Context) (*ruleIndex, error) {
	idx := &ruleIndex{
		rulesByLogType:  make(map[string][]*Rule),
		modelsByLogType: make(map[string]*DataModel),
	}

	start := time.Now()
	specs, err := r.catalog.ListEnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list rules: %w", ErrCatalogUnavailable, err)
	}
	r.logger.Info("retrieved rules", "count", len(specs), "duration", time.Since(start).String())

	preamble := r.extractGlobals(specs)

	start = time.Now()
	imported := 0
	for _, spec := range specs {
		if spec.ID == r.globalsRuleID {
			// Already verified by extractGlobals; it only contributes
			// the preamble and never runs as a rule itself.
			continue
		}
		rule, err := Compile(spec, preamble)
		if err != nil {
			// A bad rule never aborts the refresh.
			r.logger.Error("failed to import rule", "rule_id", spec.ID, "error", err)
			continue
		}
		imported++
		for _, logType := range spec.LogTypes {
			idx.rulesByLogType[logType] = append(idx.rulesByLogType[logType], rule)
		}
	}
	r.logger.Info("imported rules", "count", imported, "duration", time.Since(start).String())
	r.emitCount("registry.rules_imported", int64(imported))

	start = time.Now()
	modelSpecs, err := r.catalog.ListEnabledDataModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list data models: %w", ErrCatalogUnavailable, err)
	}
	r.logger.Info("retrieved data models", "count", len(modelSpecs), "duration", time.Since(start).String())

	imported = 0
	for _, spec := range modelSpecs {
		model, err := CompileDataModel(spec)
		if err != nil {
			r.logger.Error("failed to import data model", "data_model_id", spec.ID, "error", err)
			continue
		}
		imported++
		for _, logType := range spec.LogTypes {
			if previous, ok := idx.modelsByLogType[logType]; ok {
				r.logger.Error("multiple data models for log type, last one wins",
					"log_type", logType, "replaced", previous.ID, "kept", model.ID)
			}
			idx.modelsByLogType[logType] = model
		}
	}
	r.logger.Info("imported data models", "count", imported)
	r.emitCount("registry.data_models_imported", int64(imported))

	return idx, nil
}

// extractGlobals finds the shared helpers rule and returns its body for
// use as a compilation preamble. The globals rule is compiled first so
// a broken one is reported exactly once per refresh.
func (r *Registry) extractGlobals(specs []RuleSpec) string {
	for _, spec := range specs {
		if spec.ID != r.globalsRuleID {
			continue
		}
		vm, err := newRuntime()
		if err != nil {
			return ""
		}
		if _, err := vm.RunString(strictHeader + spec.Body); err != nil {
			r.logger.Error("failed to compile globals rule, skipping preamble",
				"rule_id", spec.ID, "error", err)
			return ""
		}
		return spec.Body
	}
	return ""
}

func (r *Registry) emitCount(name string, value int64) {
	if r.metrics != nil {
		r.metrics.Count(name, value, nil)
	}
}
