// Package addresstemplate parses and renders the outbound target address
// grammar `METHOD:path?query#fragment` with
// `{{ prefix:name }}` placeholder substitution and an optional
// `{{ prefix:name | fn }}` pipeline function.
package addresstemplate

import (
	"regexp"
	"strings"

	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

var allowedMethods = map[string]bool{
	"GET":   true,
	"POST":  true,
	"PUT":   true,
	"PATCH": true,
}

// placeholderPattern matches `{{ prefix:name }}` with an optional trailing
// `| fn` or `| fn(args)` pipeline stage. Group 3 is the function name (if
// any), group 4 is the literal parenthesised argument list (if any).
var placeholderPattern = regexp.MustCompile(
	`\{\{\s*([a-zA-Z]+):([a-zA-Z0-9_.\-]+)\s*(?:\|\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(\([^)]*\))?)?\s*\}\}`)

// Template is a parsed, not-yet-rendered target address.
type Template struct {
	Raw    string
	Method string
	rest   string // everything after "METHOD:", unparsed
}

// Parse validates and splits raw into Method and the path/query/fragment
// remainder. An empty address, one with no method, one whose method is not
// in {GET,POST,PUT,PATCH}, or one with unbalanced "{{"/"}}" is rejected
// with ConfigInvalid.
func Parse(raw string) (Template, error) {
	if raw == "" {
		return Template{}, ditterrors.ConfigInvalid("address template must not be empty")
	}

	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return Template{}, ditterrors.ConfigInvalid("address template %q is missing a method", raw)
	}

	method := raw[:idx]
	rest := raw[idx+1:]

	if !allowedMethods[method] {
		return Template{}, ditterrors.ConfigInvalid("address template method %q is not one of GET, POST, PUT, PATCH", method)
	}

	if strings.Count(rest, "{{") != strings.Count(rest, "}}") {
		return Template{}, ditterrors.ConfigInvalid("address template %q has unbalanced {{ }} placeholders", raw)
	}

	return Template{Raw: raw, Method: method, rest: rest}, nil
}

// Rendered is the fully-substituted form of a Template.
type Rendered struct {
	Method   string
	Path     string
	Query    string
	Fragment string
}

// Render substitutes every placeholder in t against ctx, applying any
// pipeline function named in functions. An unknown prefix, an unresolvable
// name, or an unregistered function name all surface as
// PlaceholderUnresolved; a registered function rejecting its own arguments
// surfaces its PlaceholderFunctionSignatureInvalid unchanged.
func Render(t Template, ctx Context, functions map[string]PipelineFunction) (Rendered, error) {
	path, query, fragment := splitPathQueryFragment(t.rest)

	renderedPath, err := resolvePlaceholders(path, ctx, functions)
	if err != nil {
		return Rendered{}, err
	}
	renderedQuery, err := resolvePlaceholders(query, ctx, functions)
	if err != nil {
		return Rendered{}, err
	}
	renderedFragment, err := resolvePlaceholders(fragment, ctx, functions)
	if err != nil {
		return Rendered{}, err
	}

	if !strings.HasPrefix(renderedPath, "/") {
		renderedPath = "/" + renderedPath
	}

	return Rendered{
		Method:   t.Method,
		Path:     renderedPath,
		Query:    renderedQuery,
		Fragment: renderedFragment,
	}, nil
}

func splitPathQueryFragment(rest string) (path, query, fragment string) {
	if i := strings.Index(rest, "#"); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.Index(rest, "?"); i >= 0 {
		query = rest[i+1:]
		rest = rest[:i]
	}
	path = rest
	return path, query, fragment
}

// ResolvePlaceholders substitutes every `{{ prefix:name }}` (with optional
// `| fn` pipeline stage) in s against ctx. Unlike Parse/Render, which apply
// the full METHOD:path?query#fragment grammar, this operates on a plain
// string, the form target.HeaderMapping templates take.
func ResolvePlaceholders(s string, ctx Context, functions map[string]PipelineFunction) (string, error) {
	return resolvePlaceholders(s, ctx, functions)
}

func resolvePlaceholders(s string, ctx Context, functions map[string]PipelineFunction) (string, error) {
	var resolveErr error

	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		if resolveErr != nil {
			return ""
		}
		groups := placeholderPattern.FindStringSubmatch(match)
		prefix, name, fnName, paramString := groups[1], strings.TrimSpace(groups[2]), groups[3], groups[4]

		value, ok := ctx.Resolve(prefix, name)
		if !ok {
			resolveErr = ditterrors.PlaceholderUnresolved("placeholder %q could not be resolved", match)
			return ""
		}

		if fnName == "" {
			return value
		}

		fn, ok := functions[fnName]
		if !ok {
			resolveErr = ditterrors.PlaceholderUnresolved("pipeline function %q is not registered", fnName)
			return ""
		}
		if paramString == "" {
			paramString = "()"
		}

		transformed, err := fn.Apply(value, paramString)
		if err != nil {
			resolveErr = err
			return ""
		}
		return transformed
	})

	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}
