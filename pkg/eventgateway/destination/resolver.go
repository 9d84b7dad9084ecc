package destination

import (
	"strings"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/template"
)

// DefaultFieldName is the subscription field whose name prefixes every
// destination.
const DefaultFieldName = "engineEvents"

// DefaultArgumentNames map subscription arguments to routing key segments,
// in routing key order.
var DefaultArgumentNames = []string{
	"serviceName",
	"appName",
	"processDefinitionKey",
	"processInstanceId",
	"businessKey",
}

// Request describes a subscription: the selected field and its evaluated
// arguments.
type Request struct {
	FieldName string
	Arguments map[string]any
}

// Resolver derives destination patterns from a subscription request.
type Resolver interface {
	Resolve(req Request) []string
}

// AntPathResolver builds Ant patterns of the form
// fieldName.<arg1>.<arg2>... over a fixed argument list.
//
// A missing argument becomes "*"; a list argument expands to one pattern
// per element; the trailing run of "*" segments collapses to "**".
type AntPathResolver struct {
	ArgumentNames []string

	// EmptyPlaceholder replaces empty-string arguments so patterns line up
	// with routing keys. Defaults to "_".
	EmptyPlaceholder string
}

var _ Resolver = (*AntPathResolver)(nil)

// NewAntPathResolver creates a resolver over argNames, or the default
// identity attributes when none are given.
func NewAntPathResolver(argNames ...string) *AntPathResolver {
	if len(argNames) == 0 {
		argNames = DefaultArgumentNames
	}
	return &AntPathResolver{
		ArgumentNames:    append([]string(nil), argNames...),
		EmptyPlaceholder: "_",
	}
}

// Resolve returns the destination patterns for req.
func (r *AntPathResolver) Resolve(req Request) []string {
	field := req.FieldName
	if field == "" {
		field = DefaultFieldName
	}

	combos := [][]string{{field}}
	for _, name := range r.ArgumentNames {
		values := r.segmentValues(req.Arguments[name])
		next := make([][]string, 0, len(combos)*len(values))
		for _, c := range combos {
			for _, v := range values {
				seg := make([]string, len(c), len(c)+1)
				copy(seg, c)
				next = append(next, append(seg, v))
			}
		}
		combos = next
	}

	out := make([]string, 0, len(combos))
	seen := make(map[string]struct{}, len(combos))
	for _, c := range combos {
		p := strings.Join(collapseTrailing(c), DefaultSeparator)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (r *AntPathResolver) segmentValues(arg any) []string {
	switch v := arg.(type) {
	case nil:
		return []string{"*"}
	case []string:
		if len(v) == 0 {
			return []string{"*"}
		}
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = r.segment(s)
		}
		return out
	case []any:
		if len(v) == 0 {
			return []string{"*"}
		}
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = r.segment(s)
		}
		return out
	default:
		return []string{r.segment(v)}
	}
}

func (r *AntPathResolver) segment(v any) string {
	if v == nil {
		return "*"
	}
	s := template.FormatValue(v)
	if s == "" {
		return r.EmptyPlaceholder
	}
	return s
}

// collapseTrailing replaces a trailing run of "*" segments with "**".
func collapseTrailing(segs []string) []string {
	end := len(segs)
	for end > 1 && segs[end-1] == "*" {
		end--
	}
	if end == len(segs) {
		return segs
	}
	return append(segs[:end:end], "**")
}

// StompResolver adapts patterns to broker topic destinations: each pattern
// is prefixed with /topic/ and "**" becomes the broker's "#" wildcard.
type StompResolver struct {
	Resolver Resolver

	// Prefix defaults to "/topic/".
	Prefix string

	// MultiWildcard replaces "**". Defaults to "#".
	MultiWildcard string
}

var _ Resolver = (*StompResolver)(nil)

// NewStompResolver wraps r, or a default AntPathResolver when r is nil.
func NewStompResolver(r Resolver) *StompResolver {
	if r == nil {
		r = NewAntPathResolver()
	}
	return &StompResolver{Resolver: r, Prefix: "/topic/", MultiWildcard: "#"}
}

// Resolve returns broker destinations for req.
func (s *StompResolver) Resolve(req Request) []string {
	patterns := s.Resolver.Resolve(req)
	out := make([]string, len(patterns))
	for i, p := range patterns {
		segs := strings.Split(p, DefaultSeparator)
		for j, seg := range segs {
			if seg == "**" {
				segs[j] = s.MultiWildcard
			}
		}
		out[i] = s.Prefix + strings.Join(segs, DefaultSeparator)
	}
	return out
}
