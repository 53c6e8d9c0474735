package broker

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-bexpr"
)

// Filter decides whether a message is delivered to a subscription.
type Filter struct {
	expression string
	eval       *bexpr.Evaluator
}

// CompileFilter parses expression. An empty expression matches everything.
// Expressions select attributes through the `attributes` root, for example
// `attributes.kind == "audit" and attributes.region != "eu"`.
func CompileFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return &Filter{}, nil
	}
	eval, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}
	return &Filter{expression: expression, eval: eval}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expression
}

// Matches evaluates the filter against attributes. Selectors that reference
// absent attributes do not match.
func (f *Filter) Matches(attributes map[string]string) bool {
	if f == nil || f.eval == nil {
		return true
	}
	if attributes == nil {
		attributes = map[string]string{}
	}
	ok, err := f.eval.Evaluate(map[string]any{"attributes": attributes})
	if err != nil {
		return false
	}
	return ok
}
