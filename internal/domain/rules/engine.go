package rules

import (
	"context"
	"log/slog"

	"github.com/quillsec/quill/internal/domain/event"
	"github.com/quillsec/quill/internal/observability/statsd"
)

// Engine evaluates events against every rule registered for their log
// type, producing one EngineResult per match or rule failure.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  statsd.Sink
}

// EngineOptions groups dependencies for NewEngine.
type EngineOptions struct {
	Registry *Registry
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// NewEngine constructs an Engine.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: opts.Registry, logger: logger, metrics: opts.Metrics}
}

// Analyze runs every applicable rule against the event and returns the
// results in rule-registration order. Rule failures become error
// results; they never abort the batch. The only returned error is a
// catalog failure before any rule set was ever loaded.
func (e *Engine) Analyze(ctx context.Context, logType string, fields map[string]any) ([]EngineResult, error) {
	if err := e.registry.Refresh(ctx); err != nil {
		return nil, err
	}

	view := event.NewView(fields, e.registry.ModelFor(logType))

	var results []EngineResult
	for _, rule := range e.registry.RulesFor(logType) {
		e.logger.Debug("running rule", "rule_id", rule.ID, "log_type", logType)
		run := rule.Run(view, true)

		switch {
		case run.Errored():
			e.emitCount("engine.rule_errors", logType)
			results = append(results, EngineResult{
				RuleID:          rule.ID,
				RuleVersion:     rule.Version,
				RuleTags:        rule.Tags,
				RuleReports:     rule.Reports,
				LogType:         logType,
				Dedup:           run.RuleError.TypeName,
				DedupPeriodMins: ErrorDedupPeriodMins,
				Event:           view,
				Severity:        rule.Severity,
				Title:           run.RuleError.Repr(),
				ErrorMessage:    run.RuleError.Detailed(),
			})
		case run.Matched != nil && *run.Matched:
			e.emitCount("engine.matches", logType)
			results = append(results, EngineResult{
				RuleID:          rule.ID,
				RuleVersion:     rule.Version,
				RuleTags:        rule.Tags,
				RuleReports:     rule.Reports,
				LogType:         logType,
				Dedup:           run.Dedup,
				DedupPeriodMins: rule.DedupPeriodMins,
				Event:           view,
				Severity:        rule.Severity,
				Title:           run.Title,
				AlertContext:    run.AlertContext,
			})
		}
	}
	return results, nil
}

func (e *Engine) emitCount(name, logType string) {
	if e.metrics != nil {
		e.metrics.Count(name, 1, map[string]string{"log_type": logType})
	}
}
