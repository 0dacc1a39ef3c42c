package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dop251/goja"
)

// Rule is a compiled detection rule: catalog metadata plus the entry
// points exported by its body.
//
// A Rule owns its JS runtime. Runtimes are not safe for concurrent use
// and rules may keep module-level state, so invocations of a single
// rule serialize on an internal mutex; distinct rules run freely in
// parallel.
type Rule struct {
	ID              string
	Version         string
	LogTypes        []string
	Severity        string
	OutputIDs       []string
	Tags            []string
	Reports         map[string][]string
	DedupPeriodMins int

	defaultDedup string
	lineOffset   int

	mu           sync.Mutex
	vm           *goja.Runtime
	ruleFn       goja.Callable
	dedupFn      goja.Callable
	titleFn      goja.Callable
	alertCtxFn   goja.Callable
}

// RuleResult captures one invocation of a rule against one event.
type RuleResult struct {
	// Matched is nil when the rule entry point errored.
	Matched *bool

	// RuleError is set when the rule entry point raised or returned a
	// non-boolean.
	RuleError *EvalError

	// Dedup is the grouping string for a match. Empty when the rule
	// errored, did not match, or (in test mode) the dedup function
	// failed.
	Dedup string

	// DedupError is only populated in test mode; batch mode falls back
	// to the default dedup string instead.
	DedupError *EvalError

	// Title is the optional alert title. Empty means none.
	Title string

	// TitleError is only populated in test mode.
	TitleError *EvalError

	// AlertContext is the JSON-serialized output of alert_context.
	AlertContext json.RawMessage

	// AlertContextError is only populated in test mode.
	AlertContextError *EvalError
}

// Errored reports whether the rule entry point itself failed.
func (r RuleResult) Errored() bool { return r.RuleError != nil }

// Compile validates a rule spec and compiles its body in an isolated
// runtime. The preamble (shared globals rule source, possibly empty) is
// prepended to the body before compilation.
func Compile(spec RuleSpec, preamble string) (*Rule, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errors.New(`field "id" is required`)
	}
	if strings.TrimSpace(spec.Body) == "" {
		return nil, errors.New(`field "body" is required`)
	}

	version := spec.VersionID
	if version == "" {
		version = "default"
	}

	dedupPeriod := dedupPeriodMins(spec.DedupPeriodMinutes)

	vm, err := newRuntime()
	if err != nil {
		return nil, err
	}

	program := strictHeader
	if preamble != "" {
		program += preamble + "\n"
	}
	program += spec.Body
	lineOffset := strings.Count(program, "\n") - strings.Count(spec.Body, "\n")

	if _, err := vm.RunString(program); err != nil {
		return nil, fmt.Errorf("compile rule %q: %w", spec.ID, err)
	}

	ruleFn, ok := goja.AssertFunction(vm.Get("rule"))
	if !ok {
		return nil, fmt.Errorf("rule %q must define a function named 'rule'", spec.ID)
	}

	r := &Rule{
		ID:              spec.ID,
		Version:         version,
		LogTypes:        spec.LogTypes,
		Severity:        spec.Severity,
		OutputIDs:       spec.OutputIDs,
		Tags:            spec.Tags,
		Reports:         spec.Reports,
		DedupPeriodMins: dedupPeriod,
		defaultDedup:    "defaultDedupString:" + spec.ID,
		lineOffset:      lineOffset,
		vm:              vm,
		ruleFn:          ruleFn,
	}
	r.dedupFn, _ = goja.AssertFunction(vm.Get("dedup"))
	r.titleFn, _ = goja.AssertFunction(vm.Get("title"))
	r.alertCtxFn, _ = goja.AssertFunction(vm.Get("alert_context"))
	return r, nil
}

// DefaultDedup returns the fallback dedup string for this rule.
func (r *Rule) DefaultDedup() string { return r.defaultDedup }

// HasTitle reports whether the body defines a title function.
func (r *Rule) HasTitle() bool { return r.titleFn != nil }

// HasAlertContext reports whether the body defines alert_context.
func (r *Rule) HasAlertContext() bool { return r.alertCtxFn != nil }

// Run evaluates the rule against an event. In batch mode, failures of
// the optional entry points fall back to defaults; in test mode
// (batchMode=false) they are reported on the result so rule authors see
// them.
func (r *Rule) Run(evt any, batchMode bool) RuleResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res RuleResult

	eventVal, err := newEventValue(r.vm, evt)
	if err != nil {
		res.RuleError = &EvalError{TypeName: "Error", Message: err.Error()}
		return res
	}

	matched, evalErr := r.callBool(r.ruleFn, "rule", eventVal)
	if evalErr != nil {
		res.RuleError = evalErr
		return res
	}
	res.Matched = &matched

	if !matched {
		if !batchMode {
			// Rule testers still see the dedup string a match would get.
			res.Dedup = r.defaultDedup
		}
		return res
	}

	res.Dedup, res.DedupError = r.runDedup(eventVal, batchMode)
	res.Title, res.TitleError = r.runTitle(eventVal, batchMode)
	res.AlertContext, res.AlertContextError = r.runAlertContext(eventVal, batchMode)
	return res
}

func (r *Rule) runDedup(eventVal goja.Value, batchMode bool) (string, *EvalError) {
	if r.dedupFn == nil {
		return r.defaultDedup, nil
	}
	out, evalErr := r.callString(r.dedupFn, "dedup", eventVal)
	if evalErr != nil {
		if batchMode {
			return r.defaultDedup, nil
		}
		return "", evalErr
	}
	if out == "" {
		return r.defaultDedup, nil
	}
	return truncate(out, MaxDedupStringSize), nil
}

func (r *Rule) runTitle(eventVal goja.Value, batchMode bool) (string, *EvalError) {
	if r.titleFn == nil {
		return "", nil
	}
	out, evalErr := r.callString(r.titleFn, "title", eventVal)
	if evalErr != nil {
		if batchMode {
			return "", nil
		}
		return "", evalErr
	}
	return truncate(out, MaxTitleSize), nil
}

func (r *Rule) runAlertContext(eventVal goja.Value, batchMode bool) (json.RawMessage, *EvalError) {
	if r.alertCtxFn == nil {
		return nil, nil
	}
	out, err := r.alertCtxFn(goja.Undefined(), eventVal)
	if err != nil {
		evalErr := classifyEvalError(err, r.lineOffset)
		if batchMode {
			return nil, nil
		}
		return nil, evalErr
	}
	exported := out.Export()
	if _, ok := exported.(map[string]any); !ok {
		evalErr := r.typeMismatch("alert_context", out, "object")
		if batchMode {
			return nil, nil
		}
		return nil, evalErr
	}
	raw, jsonErr := json.Marshal(exported)
	if jsonErr != nil {
		evalErr := &EvalError{TypeName: "TypeError", Message: fmt.Sprintf("rule [%s] function [alert_context] returned a value not serializable to JSON", r.ID)}
		if batchMode {
			return nil, nil
		}
		return nil, evalErr
	}
	return raw, nil
}

func (r *Rule) callBool(fn goja.Callable, name string, eventVal goja.Value) (bool, *EvalError) {
	out, err := fn(goja.Undefined(), eventVal)
	if err != nil {
		return false, classifyEvalError(err, r.lineOffset)
	}
	b, ok := out.Export().(bool)
	if !ok {
		return false, r.typeMismatch(name, out, "boolean")
	}
	return b, nil
}

func (r *Rule) callString(fn goja.Callable, name string, eventVal goja.Value) (string, *EvalError) {
	out, err := fn(goja.Undefined(), eventVal)
	if err != nil {
		return "", classifyEvalError(err, r.lineOffset)
	}
	s, ok := out.Export().(string)
	if !ok {
		return "", r.typeMismatch(name, out, "string")
	}
	return s, nil
}

func (r *Rule) typeMismatch(fn string, got goja.Value, want string) *EvalError {
	return &EvalError{
		TypeName: "TypeError",
		Message:  fmt.Sprintf("rule [%s] function [%s] returned [%s], expected [%s]", r.ID, fn, jsTypeName(got), want),
	}
}

func jsTypeName(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch v.Export().(type) {
	case bool:
		return "boolean"
	case string:
		return "string"
	case int64, float64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return v.ExportType().String()
	}
}

// dedupPeriodMins coerces the catalog's dedupPeriodMinutes value.
// Anything that is not a positive integer, whatever its JSON shape,
// yields the default period.
func dedupPeriodMins(v any) int {
	switch n := v.(type) {
	case float64:
		if n > 0 && n == math.Trunc(n) {
			return int(n)
		}
	case int:
		if n > 0 {
			return n
		}
	case json.Number:
		if i, err := n.Int64(); err == nil && i > 0 {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil && i > 0 {
			return i
		}
	}
	return DefaultDedupPeriodMins
}

// truncate caps s at max characters, marking the cut with the
// truncation suffix. The cap counts runes, not bytes, so multibyte
// output is never cut mid-character.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	keep := max - utf8.RuneCountInString(TruncatedSuffix)
	return string([]rune(s)[:keep]) + TruncatedSuffix
}
