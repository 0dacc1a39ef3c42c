package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/quillsec/quill/internal/domain/event"
)

var (
	// ErrInvalidMapping indicates a mapping entry defined neither a path
	// nor a method, or both.
	ErrInvalidMapping = errors.New("mapping must define exactly one of path or method")

	// ErrMissingMethod indicates a mapping referenced a function the
	// data model body does not define.
	ErrMissingMethod = errors.New("data model body does not define mapped method")
)

// pathMapping is a compiled path expression. Expressions containing
// projections can resolve to more than one field, which is an error at
// lookup time.
type pathMapping struct {
	expr  string
	multi bool
}

// DataModel maps canonical UDM field names to extractors for one log
// type: either a path expression evaluated against the event or a
// function exported by the model body.
type DataModel struct {
	ID       string
	Version  string
	LogTypes []string

	paths   map[string]pathMapping
	methods map[string]goja.Callable

	// The body runtime is shared by all method mappings; method
	// invocations serialize like rule invocations do.
	mu sync.Mutex
	vm *goja.Runtime
}

var _ event.Resolver = (*DataModel)(nil)

// CompileDataModel validates a data model spec, compiles its body, and
// compiles every mapping.
func CompileDataModel(spec DataModelSpec) (*DataModel, error) {
	if strings.TrimSpace(spec.ID) == "" {
		return nil, errors.New(`field "id" is required`)
	}
	if strings.TrimSpace(spec.VersionID) == "" {
		return nil, errors.New(`field "versionId" is required`)
	}
	if len(spec.Mappings) == 0 {
		return nil, errors.New(`field "mappings" must be a non-empty list`)
	}

	dm := &DataModel{
		ID:       spec.ID,
		Version:  spec.VersionID,
		LogTypes: spec.LogTypes,
		paths:    make(map[string]pathMapping, len(spec.Mappings)),
		methods:  make(map[string]goja.Callable),
	}

	if spec.Body != "" {
		vm, err := newRuntime()
		if err != nil {
			return nil, err
		}
		if _, err := vm.RunString(strictHeader + spec.Body); err != nil {
			return nil, fmt.Errorf("compile data model %q: %w", spec.ID, err)
		}
		dm.vm = vm
	}

	for _, m := range spec.Mappings {
		if strings.TrimSpace(m.Name) == "" {
			return nil, fmt.Errorf("data model %q: mapping is missing required field name", spec.ID)
		}
		switch {
		case m.Path != "" && m.Method != "":
			return nil, fmt.Errorf("data model %q mapping %q: %w", spec.ID, m.Name, ErrInvalidMapping)
		case m.Path != "":
			if _, err := jmespath.Compile(m.Path); err != nil {
				return nil, fmt.Errorf("data model %q mapping %q: parse path: %w", spec.ID, m.Name, err)
			}
			dm.paths[m.Name] = pathMapping{expr: m.Path, multi: isMultiPath(m.Path)}
		case m.Method != "":
			if dm.vm == nil {
				return nil, fmt.Errorf("data model %q mapping %q: %w", spec.ID, m.Name, ErrMissingMethod)
			}
			fn, ok := goja.AssertFunction(dm.vm.Get(m.Method))
			if !ok {
				return nil, fmt.Errorf("data model %q mapping %q: %w: %s", spec.ID, m.Name, ErrMissingMethod, m.Method)
			}
			dm.methods[m.Name] = fn
		default:
			return nil, fmt.Errorf("data model %q mapping %q: %w", spec.ID, m.Name, ErrInvalidMapping)
		}
	}

	return dm, nil
}

// Resolve returns the value of a canonical field name for the given
// event, or nil when the name has no mapping.
func (dm *DataModel) Resolve(name string, view *event.View) (any, error) {
	if p, ok := dm.paths[name]; ok {
		return dm.resolvePath(p, view)
	}
	if fn, ok := dm.methods[name]; ok {
		return dm.resolveMethod(fn, name, view)
	}
	return nil, nil
}

func (dm *DataModel) resolvePath(p pathMapping, view *event.View) (any, error) {
	result, err := jmespath.Search(p.expr, view.Raw())
	if err != nil {
		return nil, fmt.Errorf("data model %q: evaluate path %q: %w", dm.ID, p.expr, err)
	}
	if !p.multi {
		return result, nil
	}
	// Projections yield a slice of matches: none is null, one unwraps,
	// several is an error.
	matches, ok := result.([]any)
	if !ok {
		return result, nil
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: path %q", event.ErrMultipleMatches, p.expr)
	}
}

func (dm *DataModel) resolveMethod(fn goja.Callable, name string, view *event.View) (any, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	// Methods get a model-less view: udm() inside a mapping method would
	// re-enter this resolver.
	eventVal, err := newEventValue(dm.vm, event.NewView(view.Raw(), nil))
	if err != nil {
		return nil, err
	}
	out, err := fn(goja.Undefined(), eventVal)
	if err != nil {
		evalErr := classifyEvalError(err, 1)
		return nil, fmt.Errorf("data model %q method for %q: %w", dm.ID, name, evalErr)
	}
	return out.Export(), nil
}

// isMultiPath reports whether a path expression can match more than one
// field, i.e. contains a projection, flatten, filter, or slice. Quoted
// identifiers and raw string literals are skipped so a key like "a:b"
// does not read as a slice.
func isMultiPath(expr string) bool {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '[':
			depth++
			if i+1 < len(expr) {
				switch expr[i+1] {
				case '*', ']', '?':
					return true
				}
			}
		case ']':
			if depth > 0 {
				depth--
			}
		case ':':
			// A slice like [0:2]; colons outside brackets belong to
			// multiselect hashes, which yield a single value.
			if depth > 0 {
				return true
			}
		case '*':
			if i > 0 && expr[i-1] == '.' {
				return true
			}
		}
	}
	return false
}
