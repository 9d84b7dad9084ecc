package template

// MissingAction specifies how to handle missing variables.
type MissingAction int

const (
	// MissingKeep keeps the placeholder as-is when the variable is not found.
	// This is the default behavior.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with an empty string when
	// the variable is not found.
	MissingEmpty

	// MissingError returns an error when a variable is not found.
	MissingError
)

// Formatter renders one reference. found is false when the path could not
// be resolved. A Formatter replaces MissingAction entirely.
type Formatter func(ref string, value any, found bool) (string, error)

// Option configures a Template.
type Option func(*Template)

// WithMissingAction sets how missing variables are handled.
//
// Default: MissingKeep (keep placeholder as-is)
//
// Example:
//
//	tmpl := MustCompile("${missing}", WithMissingAction(MissingError))
//	_, err := tmpl.ExecuteMap(nil)
//	// err: "undefined variable: missing"
func WithMissingAction(action MissingAction) Option {
	return func(t *Template) {
		t.missingAction = action
	}
}

// WithFormatter sets a custom renderer for every reference.
func WithFormatter(f Formatter) Option {
	return func(t *Template) {
		t.formatter = f
	}
}
