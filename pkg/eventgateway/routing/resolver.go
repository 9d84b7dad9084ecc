// Package routing resolves dotted routing keys for notifications.
package routing

import (
	"errors"
	"strings"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/template"
)

// DefaultTemplate is the routing key template used when none is configured.
const DefaultTemplate = "engineEvents.${serviceName}.${appName}.${processDefinitionKey}.${processInstanceId}.${businessKey}"

const (
	// DefaultEmptyPlaceholder replaces empty-string values so a key never
	// contains an empty segment. Values are otherwise rendered verbatim: a
	// value containing "." adds segments to the key unless
	// WithDotReplacement is set.
	DefaultEmptyPlaceholder = "_"

	// DefaultNullLiteral renders nil or missing values.
	DefaultNullLiteral = "null"
)

// KeyResolver maps a notification to its routing key.
type KeyResolver interface {
	Resolve(doc *notification.Document) string
}

// Resolver renders routing keys from a compiled template.
// It is immutable after construction and safe for concurrent use.
type Resolver struct {
	tmpl        *template.Template
	empty       string
	nullLiteral string
	dots        *strings.Replacer
}

var _ KeyResolver = (*Resolver)(nil)

// Option configures a Resolver.
type Option func(*resolverConfig)

type resolverConfig struct {
	template    string
	empty       string
	nullLiteral string
	dot         string
}

// WithTemplate sets the routing key template.
func WithTemplate(s string) Option {
	return func(c *resolverConfig) {
		if s != "" {
			c.template = s
		}
	}
}

// WithEmptyPlaceholder sets the text substituted for empty-string values.
func WithEmptyPlaceholder(s string) Option {
	return func(c *resolverConfig) {
		c.empty = s
	}
}

// WithNullLiteral sets the text rendered for nil or missing values.
func WithNullLiteral(s string) Option {
	return func(c *resolverConfig) {
		c.nullLiteral = s
	}
}

// WithDotReplacement replaces "." inside field values with s, keeping the
// segment count of every key equal to the template's. Empty s leaves
// values unchanged.
func WithDotReplacement(s string) Option {
	return func(c *resolverConfig) {
		c.dot = s
	}
}

// NewResolver compiles the routing template. A malformed template fails
// here with *errors.RoutingResolutionError, never at Resolve time.
func NewResolver(opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{
		template:    DefaultTemplate,
		empty:       DefaultEmptyPlaceholder,
		nullLiteral: DefaultNullLiteral,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Resolver{empty: cfg.empty, nullLiteral: cfg.nullLiteral}
	if cfg.dot != "" {
		r.dots = strings.NewReplacer(".", cfg.dot)
	}
	tmpl, err := template.Compile(cfg.template, template.WithFormatter(r.format))
	if err != nil {
		var syntaxErr *template.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, &gwerrors.RoutingResolutionError{
				Template: cfg.template,
				Offset:   syntaxErr.Offset,
				Reason:   syntaxErr.Reason,
			}
		}
		return nil, &gwerrors.RoutingResolutionError{Template: cfg.template, Offset: -1, Reason: err.Error()}
	}
	if len(tmpl.Refs()) == 0 {
		return nil, &gwerrors.RoutingResolutionError{
			Template: cfg.template,
			Offset:   -1,
			Reason:   "template references no fields",
		}
	}
	r.tmpl = tmpl
	return r, nil
}

// MustNewResolver is like NewResolver but panics on error.
func MustNewResolver(opts ...Option) *Resolver {
	r, err := NewResolver(opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Resolver) format(_ string, value any, found bool) (string, error) {
	if !found || value == nil {
		return r.nullLiteral, nil
	}
	s := template.FormatValue(value)
	if s == "" {
		return r.empty, nil
	}
	if r.dots != nil {
		s = r.dots.Replace(s)
	}
	return s, nil
}

// Resolve returns the routing key for doc.
func (r *Resolver) Resolve(doc *notification.Document) string {
	if doc == nil {
		return r.render(template.MapGetter(nil))
	}
	return r.render(doc)
}

// ResolveMap returns the routing key for a plain field map.
func (r *Resolver) ResolveMap(fields map[string]any) string {
	return r.render(template.MapGetter(fields))
}

func (r *Resolver) render(g template.Getter) string {
	// The formatter never fails, so neither does Execute.
	key, _ := r.tmpl.Execute(g)
	return key
}

// Template returns the template source.
func (r *Resolver) Template() string {
	return r.tmpl.String()
}

// Fields returns the fields referenced by the template.
func (r *Resolver) Fields() []string {
	return r.tmpl.Refs()
}
