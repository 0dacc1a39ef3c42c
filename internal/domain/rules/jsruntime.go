package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/quillsec/quill/internal/domain/event"
)

// runtimePrelude is evaluated in every rule and data model runtime
// before user code. It provides the helpers that build the frozen event
// object handed to user functions. User programs are compiled in strict
// mode, so writes against the frozen event throw a TypeError.
const runtimePrelude = `
function __freeze(o) {
	if (o === null || typeof o !== "object") { return o; }
	Object.getOwnPropertyNames(o).forEach(function (k) { __freeze(o[k]); });
	return Object.freeze(o);
}
function __buildEvent(json, udmFn) {
	var data = JSON.parse(json);
	if (data === null || typeof data !== "object" || Array.isArray(data)) {
		return __freeze(data);
	}
	Object.defineProperty(data, "get", {
		value: function (k) {
			return Object.prototype.hasOwnProperty.call(this, k) ? this[k] : null;
		}
	});
	Object.defineProperty(data, "udm", { value: function (n) { return udmFn(n); } });
	return __freeze(data);
}
`

// strictHeader precedes every user program so the whole body runs in
// strict mode.
const strictHeader = "'use strict';\n"

func newRuntime() (*goja.Runtime, error) {
	vm := goja.New()
	if _, err := vm.RunString(runtimePrelude); err != nil {
		return nil, fmt.Errorf("runtime prelude: %w", err)
	}
	return vm, nil
}

// newEventValue converts an event into the JS value passed to user
// entry points. Views become frozen objects exposing get() and udm();
// any other payload (direct-test events may carry scalars) converts
// as-is.
func newEventValue(vm *goja.Runtime, evt any) (goja.Value, error) {
	view, ok := evt.(*event.View)
	if !ok {
		if m, isMap := evt.(map[string]any); isMap {
			view = event.NewView(m, nil)
		} else {
			return vm.ToValue(evt), nil
		}
	}

	raw, err := view.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}

	build, ok := goja.AssertFunction(vm.Get("__buildEvent"))
	if !ok {
		return nil, errors.New("runtime prelude not loaded")
	}

	udm := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		val, err := view.UDM(name)
		if err != nil {
			typeName := "Error"
			if errors.Is(err, event.ErrMultipleMatches) {
				typeName = "MultipleMatches"
			}
			throwJS(vm, typeName, err.Error())
		}
		return vm.ToValue(val)
	})

	val, err := build(goja.Undefined(), vm.ToValue(string(raw)), udm)
	if err != nil {
		return nil, fmt.Errorf("build event value: %w", err)
	}
	return val, nil
}

// throwJS raises a JS exception of the given error class name from
// native code.
func throwJS(vm *goja.Runtime, name, message string) {
	ctor, ok := goja.AssertConstructor(vm.Get("Error"))
	if !ok {
		panic(vm.ToValue(name + ": " + message))
	}
	obj, err := ctor(nil, vm.ToValue(message))
	if err != nil {
		panic(vm.ToValue(name + ": " + message))
	}
	_ = obj.Set("name", name)
	panic(obj)
}

// EvalError describes a failure raised by user rule or data model code.
type EvalError struct {
	// TypeName is the JS error class ("Error", "TypeError", ...) or a
	// synthetic name such as "MultipleMatches".
	TypeName string

	// Message is the error message without the class prefix.
	Message string

	// Frame locates the deepest user frame, e.g. "line 3, in rule".
	// Empty when no position was recoverable.
	Frame string
}

// Error renders the short "TypeName: message" form.
func (e *EvalError) Error() string {
	if e.TypeName == "" {
		return e.Message
	}
	return e.TypeName + ": " + e.Message
}

// Detailed renders the message with the deepest user frame appended.
func (e *EvalError) Detailed() string {
	if e.Frame == "" {
		return e.Error()
	}
	return e.Error() + ": " + e.Frame
}

// Repr renders the constructor-call form used as the title of error
// results, e.g. "Error('boom')".
func (e *EvalError) Repr() string {
	return e.TypeName + "('" + e.Message + "')"
}

var stackFramePattern = regexp.MustCompile(`at ([^ (]+) \([^)]*?:(\d+):\d+`)

// classifyEvalError normalizes a goja invocation error into an
// EvalError. lineOffset is subtracted from reported line numbers to
// account for the strict header and globals preamble prepended to the
// user body.
func classifyEvalError(err error, lineOffset int) *EvalError {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		name, message := "Error", strings.TrimSpace(ex.Value().String())
		if obj, ok := ex.Value().(*goja.Object); ok {
			if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
				name = v.String()
			}
			if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
				message = v.String()
			} else {
				message = ""
			}
		} else {
			// Bare throws ("throw 'oops'") carry no class.
			message = strings.TrimSpace(ex.Value().String())
		}
		return &EvalError{TypeName: name, Message: message, Frame: deepestFrame(ex.String(), lineOffset)}
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return &EvalError{TypeName: "SyntaxError", Message: firstLine(syntaxErr.Error())}
	}

	return &EvalError{TypeName: "Error", Message: firstLine(err.Error())}
}

// deepestFrame extracts the innermost user frame from a goja stack
// rendering, adjusted for the prepended header lines.
func deepestFrame(stack string, lineOffset int) string {
	m := stackFramePattern.FindStringSubmatch(stack)
	if m == nil {
		return ""
	}
	fn := m[1]
	line, err := strconv.Atoi(m[2])
	if err != nil {
		return ""
	}
	line -= lineOffset
	if line < 1 {
		line = 1
	}
	return "line " + strconv.Itoa(line) + ", in " + fn
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
