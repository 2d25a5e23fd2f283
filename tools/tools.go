package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	Int    ParamType = "int"
	String ParamType = "string"
	Bool   ParamType = "bool"
)

// Param describes one parameter a tool accepts, and how it is rendered on the command line.
type Param struct {
	Name string
	Type ParamType
	Help string
	// Default is used when the caller doesn't supply a value. A nil Default means the parameter is omitted unless supplied.
	Default  any
	Required bool

	// Min and Max bound Int parameters when non-nil.
	Min *int
	Max *int
	// Validate is an extra validity predicate, run after type and range checks.
	Validate func(v any) bool
	// Render turns a resolved value into CLI args. Bool params render nothing when false, regardless of Render.
	Render func(v any) []string
}

// Spec describes how to run an allow-listed tool.
type Spec struct {
	Name        string
	Description string
	Base        []string
	Params      []Param
	// RequiresPTY is true when the tool misbehaves without a terminal (e.g. curses output).
	RequiresPTY bool
}

// Registry is an immutable table of tool specs, keyed by lowercased name.
type Registry struct {
	specs map[string]Spec
	names []string
}

func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: map[string]Spec{}}
	for _, s := range specs {
		key := strings.ToLower(s.Name)
		if _, ok := r.specs[key]; !ok {
			r.names = append(r.names, key)
		}
		r.specs[key] = s
	}
	sort.Strings(r.names)
	return r
}

// Names returns the sorted allow-list.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Lookup finds a tool spec by name, case-insensitively.
func (r *Registry) Lookup(name string) (Spec, error) {
	s, ok := r.specs[strings.ToLower(name)]
	if !ok {
		return Spec{}, &Error{
			Kind: ErrUnknownTool,
			Msg:  fmt.Sprintf("Tool '%s' not allowed. Allowed: %s", name, strings.Join(r.names, ", ")),
		}
	}
	return s, nil
}

// Build validates the target and params and returns the full argument vector for the tool.
// The result only depends on its inputs.
func (r *Registry) Build(tool, target string, params map[string]any) ([]string, error) {
	spec, err := r.Lookup(tool)
	if err != nil {
		return nil, err
	}
	return spec.Command(target, params)
}

// Command builds the argv for this tool: base args, then rendered params in schema order, then the target.
func (s Spec) Command(target string, params map[string]any) ([]string, error) {
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}
	resolved, err := s.Resolve(params)
	if err != nil {
		return nil, err
	}

	argv := append([]string(nil), s.Base...)
	for _, p := range s.Params {
		v, ok := resolved[p.Name]
		if !ok {
			continue
		}
		argv = append(argv, p.render(v)...)
	}
	return append(argv, target), nil
}

// Resolve checks the supplied params against the schema and fills in defaults.
// Params that have neither a value nor a default are absent from the result.
func (s Spec) Resolve(params map[string]any) (map[string]any, error) {
	known := make(map[string]Param, len(s.Params))
	for _, p := range s.Params {
		known[p.Name] = p
	}
	// sorted so that the reported error doesn't depend on map iteration order
	supplied := make([]string, 0, len(params))
	for name := range params {
		supplied = append(supplied, name)
	}
	sort.Strings(supplied)
	for _, name := range supplied {
		if _, ok := known[name]; !ok {
			return nil, &Error{Kind: ErrInvalidParameter, Msg: fmt.Sprintf("Unknown parameter: '%s'", name)}
		}
	}

	resolved := map[string]any{}
	for _, p := range s.Params {
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, &Error{Kind: ErrInvalidParameter, Msg: fmt.Sprintf("Missing required parameter: '%s'", p.Name)}
			}
			if p.Default == nil {
				continue
			}
			resolved[p.Name] = p.Default
			continue
		}
		v, err := p.Coerce(raw)
		if err != nil {
			return nil, err
		}
		resolved[p.Name] = v
	}
	return resolved, nil
}

// Coerce converts a decoded JSON value into the param's declared type and checks that it's valid.
func (p Param) Coerce(raw any) (any, error) {
	invalid := &Error{Kind: ErrInvalidParameter, Msg: fmt.Sprintf("Invalid value for parameter '%s': %v", p.Name, raw)}

	var v any
	switch p.Type {
	case Int:
		n, ok := toInt(raw)
		if !ok {
			return nil, invalid
		}
		if (p.Min != nil && n < *p.Min) || (p.Max != nil && n > *p.Max) {
			return nil, invalid
		}
		v = n
	case String:
		s, ok := raw.(string)
		if !ok {
			return nil, invalid
		}
		v = s
	case Bool:
		b, ok := raw.(bool)
		if !ok {
			return nil, invalid
		}
		v = b
	default:
		return nil, invalid
	}

	if p.Validate != nil && !p.Validate(v) {
		return nil, invalid
	}
	return v, nil
}

func (p Param) render(v any) []string {
	if b, ok := v.(bool); ok && !b {
		return nil
	}
	if p.Render == nil {
		return nil
	}
	return p.Render(v)
}

func toInt(raw any) (int, bool) {
	switch n := raw.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Error is a validation error whose message is meant to be shown to the peer as-is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Is(target error) bool { return target == e.Kind }
