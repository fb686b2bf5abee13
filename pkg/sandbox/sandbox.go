// Package sandbox runs model-emitted code fragments in an embedded
// Starlark interpreter. Each session owns one sandbox: variables
// persist across Execute calls, print output is captured per call, and
// runtime errors are reported in the result instead of propagating.
package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// SetupCodeError is returned when the caller-supplied setup code fails
// during construction. The sandbox is not usable afterwards.
type SetupCodeError struct {
	Stderr string
}

func (e *SetupCodeError) Error() string {
	return fmt.Sprintf("setup code failed: %s", e.Stderr)
}

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("sandbox closed")

// REPLResult is the outcome of one Execute call.
type REPLResult struct {
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	Locals        map[string]any `json:"locals_snapshot"`
	ExecutionTime float64        `json:"execution_time"`
	NestedCalls   int            `json:"nested_calls"`
	SyntaxError   bool           `json:"syntax_error,omitempty"`
}

// Failed reports whether the fragment raised an error.
func (r *REPLResult) Failed() bool { return r.Stderr != "" }

// Sandbox is one session's interpreter instance.
type Sandbox struct {
	predeclared starlark.StringDict
	globals     starlark.StringDict
	fileOpts    *syntax.FileOptions
	closed      bool
	nestedCalls int
	contextSeq  int
}

// fileOptions enables the REPL dialect: top-level control flow, global
// reassignment across chunks, set literals, while, recursion.
func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// New constructs a sandbox with the given injected names and runs
// setupCode exactly once. A setup failure returns *SetupCodeError with
// the captured stderr; no partially-constructed sandbox escapes.
func New(setupCode string, predeclared starlark.StringDict) (*Sandbox, error) {
	s := &Sandbox{
		predeclared: predeclared,
		globals:     make(starlark.StringDict),
		fileOpts:    fileOptions(),
	}
	s.installBase()

	if setupCode != "" {
		result := s.run("<setup>", setupCode)
		if result.Failed() {
			return nil, &SetupCodeError{Stderr: result.Stderr}
		}
	}
	return s, nil
}

// installBase adds the sentinel helpers. They return their argument's
// string form; termination is detected textually by the driver, not
// here.
func (s *Sandbox) installBase() {
	if s.predeclared == nil {
		s.predeclared = make(starlark.StringDict)
	}
	s.predeclared["FINAL"] = starlark.NewBuiltin("FINAL", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("FINAL: want 1 argument, got %d", len(args))
		}
		return starlark.String(ValueString(args[0])), nil
	})
	s.predeclared["FINAL_VAR"] = starlark.NewBuiltin("FINAL_VAR", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("FINAL_VAR: want 1 argument, got %d", len(args))
		}
		name, ok := starlark.AsString(args[0])
		if !ok {
			name = ValueString(args[0])
		}
		if v, found := s.globals[name]; found {
			return starlark.String(ValueString(v)), nil
		}
		return nil, fmt.Errorf("FINAL_VAR: variable %q not defined", name)
	})
}

// Execute runs one code fragment. Uncaught errors inside the fragment
// populate Stderr and never propagate; only a closed sandbox returns a
// Go error.
func (s *Sandbox) Execute(code string) (*REPLResult, error) {
	if s.closed {
		return nil, ErrClosed
	}
	result := s.run("<repl>", code)
	return result, nil
}

// run executes a chunk against the persistent namespace and merges any
// new bindings back in.
func (s *Sandbox) run(filename, code string) *REPLResult {
	s.nestedCalls = 0

	var stdout strings.Builder
	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteString("\n")
		},
	}

	env := make(starlark.StringDict, len(s.predeclared)+len(s.globals))
	for k, v := range s.predeclared {
		env[k] = v
	}
	for k, v := range s.globals {
		env[k] = v
	}

	start := time.Now()
	newGlobals, err := starlark.ExecFileOptions(s.fileOpts, thread, filename, code, env)
	elapsed := time.Since(start)

	result := &REPLResult{
		Stdout:        stdout.String(),
		ExecutionTime: elapsed.Seconds(),
		NestedCalls:   s.nestedCalls,
	}

	if err != nil {
		var evalErr *starlark.EvalError
		var resolveErrs resolve.ErrorList
		switch {
		case errors.As(err, &evalErr):
			result.Stderr = fmt.Sprintf("EvalError: %s", evalErr.Error())
		case errors.As(err, &resolveErrs):
			// Undefined names and the like. The fragment never ran,
			// but for circuit-breaking purposes this is a runtime-class
			// failure (a NameError, not malformed code).
			result.Stderr = fmt.Sprintf("NameError: %s", err.Error())
		default:
			// Parse failure — malformed code.
			result.Stderr = fmt.Sprintf("SyntaxError: %s", err.Error())
			result.SyntaxError = true
		}
	}

	// Merge bindings even on a runtime error: assignments made before
	// the failing statement stay visible, matching interpreter
	// semantics.
	for k, v := range newGlobals {
		s.globals[k] = v
	}

	result.Locals = s.LocalsSnapshot()
	return result
}

// NoteNestedCall increments the per-execution nested tool-call counter.
// Wired as the tool tracker's record hook.
func (s *Sandbox) NoteNestedCall() {
	s.nestedCalls++
}

// Bind sets a name in the persistent namespace from a Go value.
func (s *Sandbox) Bind(name string, value any) {
	s.globals[name] = ToStarlark(value)
}

// BindContext binds a context payload. The first payload is bound as
// "context"; follow-up payloads on a persistent session become
// "context_1", "context_2", ….
func (s *Sandbox) BindContext(value any) string {
	name := "context"
	if s.contextSeq > 0 {
		name = fmt.Sprintf("context_%d", s.contextSeq)
	}
	s.contextSeq++
	s.globals[name] = ToStarlark(value)
	return name
}

// Lookup returns the string form of a namespace variable. Used by the
// driver to resolve FINAL_VAR sentinels.
func (s *Sandbox) Lookup(name string) (string, bool) {
	if v, ok := s.globals[name]; ok {
		return ValueString(v), true
	}
	return "", false
}

// LocalsSnapshot returns the serializable view of the namespace.
// Single-underscore names are filtered out; they remain reachable by
// other callables inside the interpreter.
func (s *Sandbox) LocalsSnapshot() map[string]any {
	snap := make(map[string]any, len(s.globals))
	for name, v := range s.globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		snap[name] = Serialize(v)
	}
	return snap
}

// Close releases the sandbox. Idempotent; Execute fails afterwards.
func (s *Sandbox) Close() {
	s.closed = true
	s.globals = make(starlark.StringDict)
}

// Closed reports whether Close has been called.
func (s *Sandbox) Closed() bool { return s.closed }
