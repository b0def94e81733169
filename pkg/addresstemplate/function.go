package addresstemplate

import (
	"strings"

	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

// PipelineFunction is a named transform applied to an already-resolved
// placeholder value via `{{ prefix:name | fn }}` syntax. paramString is the
// literal parenthesised argument list as written in the template ("()" for
// a bare `| fn` invocation), letting each function enforce its own arity.
type PipelineFunction interface {
	Name() string
	Apply(input, paramString string) (string, error)
}

// upperFunction implements the "upper" pipeline function: upper-cases its
// input and accepts no arguments. Any non-empty argument list, including a
// bare string or placeholder reference, is a signature error.
type upperFunction struct{}

func (upperFunction) Name() string { return "upper" }

func (upperFunction) Apply(input, paramString string) (string, error) {
	if paramString != "()" {
		return "", ditterrors.PlaceholderFunctionSignatureInvalid(
			"pipeline function %q takes no arguments, got %q", "upper", paramString)
	}
	return strings.ToUpper(input), nil
}

// DefaultFunctions returns the built-in pipeline function registry.
func DefaultFunctions() map[string]PipelineFunction {
	return map[string]PipelineFunction{
		"upper": upperFunction{},
	}
}
