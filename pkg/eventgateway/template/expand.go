package template

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Getter is implemented by values that can be walked by a reference path.
// notification.Document satisfies it.
type Getter interface {
	Get(key string) (any, bool)
}

// MapGetter adapts a plain map to Getter.
type MapGetter map[string]any

// Get implements Getter.
func (m MapGetter) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// part is either a literal run or a reference.
type part struct {
	literal string
	ref     string
	path    []string
}

// Template is a compiled ${ref} template.
//
// Compile once with Compile() and execute many times.
// Template is safe for concurrent use after construction.
type Template struct {
	source        string
	parts         []part
	refs          []string
	missingAction MissingAction
	formatter     Formatter
}

// Compile parses s into a Template.
//
// References use ${name} or ${a.b.c}; dotted paths walk nested maps and
// Getters. A '$' not followed by '{' is literal text.
//
// Example:
//
//	tmpl, err := Compile("engineEvents.${serviceName}.${entity.id}")
func Compile(s string, opts ...Option) (*Template, error) {
	t := &Template{
		source:        s,
		missingAction: MissingKeep,
	}
	for _, opt := range opts {
		opt(t)
	}

	var lit strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '$' || i+1 >= len(s) || s[i+1] != '{' {
			lit.WriteByte(s[i])
			continue
		}

		end := strings.IndexByte(s[i+2:], '}')
		if end < 0 {
			return nil, &SyntaxError{Template: s, Offset: i, Reason: "unterminated reference"}
		}
		ref := strings.TrimSpace(s[i+2 : i+2+end])
		if ref == "" {
			return nil, &SyntaxError{Template: s, Offset: i, Reason: "empty reference"}
		}
		path := strings.Split(ref, ".")
		for _, seg := range path {
			if !validSegment(seg) {
				return nil, &SyntaxError{Template: s, Offset: i, Reason: fmt.Sprintf("invalid reference %q", ref)}
			}
		}

		if lit.Len() > 0 {
			t.parts = append(t.parts, part{literal: lit.String()})
			lit.Reset()
		}
		t.parts = append(t.parts, part{ref: ref, path: path})
		t.refs = append(t.refs, ref)
		i += 2 + end
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, part{literal: lit.String()})
	}

	return t, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(s string, opts ...Option) *Template {
	t, err := Compile(s, opts...)
	if err != nil {
		panic(fmt.Sprintf("template: %v", err))
	}
	return t
}

// validSegment reports whether seg is a legal path segment:
// a letter or underscore followed by letters, digits, '_' or '-'.
func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i, r := range seg {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '-' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// String returns the template source.
func (t *Template) String() string {
	return t.source
}

// Refs returns the references in order of appearance.
func (t *Template) Refs() []string {
	out := make([]string, len(t.refs))
	copy(out, t.refs)
	return out
}

// Execute renders the template against vars.
//
// Errors are only returned when MissingAction is MissingError and a
// reference cannot be resolved, or when a Formatter fails.
func (t *Template) Execute(vars Getter) (string, error) {
	var b strings.Builder
	var missingVars []string

	for _, p := range t.parts {
		if p.path == nil {
			b.WriteString(p.literal)
			continue
		}

		val, found := Lookup(vars, p.path)
		if t.formatter != nil {
			s, err := t.formatter(p.ref, val, found)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
			continue
		}

		if found {
			b.WriteString(FormatValue(val))
			continue
		}
		switch t.missingAction {
		case MissingEmpty:
		case MissingError:
			missingVars = append(missingVars, p.ref)
		default: // MissingKeep
			b.WriteString("${" + p.ref + "}")
		}
	}

	if len(missingVars) > 0 {
		return b.String(), &UndefinedVariableError{Names: missingVars}
	}
	return b.String(), nil
}

// ExecuteMap renders the template against a plain map.
func (t *Template) ExecuteMap(vars map[string]any) (string, error) {
	return t.Execute(MapGetter(vars))
}

// Lookup walks path through nested maps and Getters.
// It reports false when any segment is absent.
func Lookup(root Getter, path []string) (any, bool) {
	if root == nil || len(path) == 0 {
		return nil, false
	}
	cur, ok := root.Get(path[0])
	if !ok {
		return nil, false
	}
	for _, seg := range path[1:] {
		switch node := cur.(type) {
		case map[string]any:
			cur, ok = node[seg]
		case Getter:
			cur, ok = node.Get(seg)
		default:
			return nil, false
		}
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// FormatValue renders a resolved value as text. Integral floats print
// without a fraction so a decoded 12 renders as "12".
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return FormatValue(float64(val))
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

// SyntaxError is returned by Compile for a malformed template.
type SyntaxError struct {
	Template string
	Offset   int
	Reason   string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template %q at offset %d: %s", e.Template, e.Offset, e.Reason)
}

// UndefinedVariableError is returned when MissingError is set and
// one or more variables are not found.
type UndefinedVariableError struct {
	// Names is the list of undefined variable names.
	Names []string
}

// Error implements the error interface.
func (e *UndefinedVariableError) Error() string {
	if len(e.Names) == 1 {
		return fmt.Sprintf("undefined variable: %s", e.Names[0])
	}
	return fmt.Sprintf("undefined variables: %s", strings.Join(e.Names, ", "))
}

// Expand compiles s and renders it against vars, keeping unresolved
// references as-is.
//
// Example:
//
//	dest, _ := template.Expand("/topic/${routingKey}", map[string]any{"routingKey": "a.b"})
//	// dest: "/topic/a.b"
func Expand(s string, vars map[string]any) (string, error) {
	t, err := Compile(s)
	if err != nil {
		return "", err
	}
	return t.ExecuteMap(vars)
}
