// Package rules compiles user-authored detection rules and data models
// and evaluates events against them.
//
// Rule bodies are JavaScript programs compiled into isolated goja
// runtimes, one per rule. Each body must define a function named "rule"
// taking the event and returning a boolean; it may also define "dedup",
// "title", and "alert_context".
package rules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/quillsec/quill/internal/domain/event"
)

const (
	// DefaultDedupPeriodMins applies when a rule does not specify a
	// dedup period.
	DefaultDedupPeriodMins = 60

	// ErrorDedupPeriodMins is the dedup period applied to rule error
	// results, grouping repeated failures into one alert per day.
	ErrorDedupPeriodMins = 1440

	// MaxDedupStringSize caps dedup strings returned by rule code.
	MaxDedupStringSize = 1000

	// MaxTitleSize caps titles returned by rule code.
	MaxTitleSize = 1000

	// TruncatedSuffix marks outputs cut down to the maximum size.
	TruncatedSuffix = "... (truncated)"
)

var (
	// ErrCatalogUnavailable indicates the analysis API could not serve
	// the enabled rule or data model listing.
	ErrCatalogUnavailable = errors.New("analysis API unavailable")
)

// RuleSpec is the catalog representation of an enabled rule.
type RuleSpec struct {
	ID                 string              `json:"id"`
	Body               string              `json:"body"`
	VersionID          string              `json:"versionId"`
	LogTypes           []string            `json:"logTypes"`
	Severity           string              `json:"severity"`
	OutputIDs          []string            `json:"outputIds"`
	Tags               []string            `json:"tags"`
	Reports            map[string][]string `json:"reports"`
	// DedupPeriodMinutes appears as a number or a numeric string
	// depending on catalog revision, so it decodes loosely and is
	// coerced at compile time. A bad value falls back to the default
	// instead of failing the whole listing page.
	DedupPeriodMinutes any `json:"dedupPeriodMinutes"`
}

// MappingSpec maps one canonical field name to either a path expression
// or a named extractor function. Exactly one of Path and Method must be
// set.
type MappingSpec struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Method string `json:"method"`
}

// DataModelSpec is the catalog representation of an enabled data model.
type DataModelSpec struct {
	ID        string        `json:"id"`
	Body      string        `json:"body"`
	VersionID string        `json:"versionId"`
	LogTypes  []string      `json:"logTypes"`
	Mappings  []MappingSpec `json:"mappings"`
}

// CatalogClient lists the enabled rules and data models from the
// analysis API, handling pagination internally.
type CatalogClient interface {
	ListEnabledRules(ctx context.Context) ([]RuleSpec, error)
	ListEnabledDataModels(ctx context.Context) ([]DataModelSpec, error)
}

// EngineResult is produced for every (rule, event) pair that matched or
// errored. Exactly one of ErrorMessage or a match with a dedup string
// is populated.
type EngineResult struct {
	RuleID          string
	RuleVersion     string
	RuleTags        []string
	RuleReports     map[string][]string
	LogType         string
	Dedup           string
	DedupPeriodMins int
	Event           *event.View
	Severity        string
	Title           string
	AlertContext    json.RawMessage
	ErrorMessage    string
}

// Errored reports whether the result represents a rule failure rather
// than a match.
func (r *EngineResult) Errored() bool { return r.ErrorMessage != "" }
