/*
Package template compiles and renders ${ref} string templates.

# Overview

A template is parsed once into literal runs and references, then rendered
many times against maps or any value implementing Getter. It backs routing
key resolution and configurable broker destinations.

# Basic Usage

	tmpl, err := template.Compile("engineEvents.${serviceName}.${appName}")
	if err != nil {
	    return err // *template.SyntaxError
	}
	key, _ := tmpl.ExecuteMap(map[string]any{"serviceName": "rb", "appName": "app"})
	// key: "engineEvents.rb.app"

# References

References may be dotted paths that walk nested maps:

	tmpl := template.MustCompile("${entity.processDefinitionKey}")

A '$' that is not followed by '{' is literal text. Malformed references
(unterminated, empty or containing illegal characters) fail at Compile.

# Missing Variables

By default, missing variables are kept as-is. WithMissingAction selects
MissingEmpty or MissingError. WithFormatter takes over rendering entirely,
which is how the routing package substitutes placeholders for empty and
null values.

# Thread Safety

Template is safe for concurrent use after construction.
*/
package template
