package planner

import (
	"sort"

	"github.com/vektah/gqlparser/v2/ast"
)

const (
	directiveSkip    = "skip"
	directiveInclude = "include"
)

// evalConditionals decides whether a selection is included for the given
// variable values, folding @skip/@include during the walk. The plan shape
// therefore depends on those values, which is why they join the cache key
// whenever the operation carries variable conditionals.
func evalConditionals(directives ast.DirectiveList, variables map[string]any) (bool, error) {
	for _, directive := range directives {
		switch directive.Name {
		case directiveSkip, directiveInclude:
		default:
			continue
		}
		cond, err := boolArgument(directive, variables)
		if err != nil {
			return false, err
		}
		if directive.Name == directiveSkip && cond {
			return false, nil
		}
		if directive.Name == directiveInclude && !cond {
			return false, nil
		}
	}
	return true, nil
}

func boolArgument(directive *ast.Directive, variables map[string]any) (bool, error) {
	arg := directive.Arguments.ForName("if")
	if arg == nil || arg.Value == nil {
		return false, planErrorf(nil, "@%s is missing its if argument", directive.Name)
	}
	switch arg.Value.Kind {
	case ast.BooleanValue:
		return arg.Value.Raw == "true", nil
	case ast.Variable:
		value, ok := variables[arg.Value.Raw]
		if !ok {
			// An absent variable disables @include and never triggers
			// @skip, matching a false value.
			return false, nil
		}
		cond, ok := value.(bool)
		if !ok {
			return false, planErrorf(nil, "variable $%s used in @%s must be a Boolean", arg.Value.Raw, directive.Name)
		}
		return cond, nil
	default:
		return false, planErrorf(nil, "@%s if argument must be a Boolean or a variable", directive.Name)
	}
}

// ConditionalVariables returns the names of the variables referenced by
// @skip/@include directives anywhere in the operation, sorted. An empty
// result means the plan shape is independent of variable values.
func ConditionalVariables(doc *ast.QueryDocument, op *ast.OperationDefinition) []string {
	names := make(map[string]bool)
	seen := make(map[string]bool)
	collectConditionalVariables(doc, op.SelectionSet, names, seen)
	if len(names) == 0 {
		return nil
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectConditionalVariables(doc *ast.QueryDocument, set ast.SelectionSet, names map[string]bool, seenFragments map[string]bool) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			addConditionalVariables(s.Directives, names)
			collectConditionalVariables(doc, s.SelectionSet, names, seenFragments)
		case *ast.InlineFragment:
			addConditionalVariables(s.Directives, names)
			collectConditionalVariables(doc, s.SelectionSet, names, seenFragments)
		case *ast.FragmentSpread:
			addConditionalVariables(s.Directives, names)
			if seenFragments[s.Name] {
				continue
			}
			seenFragments[s.Name] = true
			if fragment := doc.Fragments.ForName(s.Name); fragment != nil {
				collectConditionalVariables(doc, fragment.SelectionSet, names, seenFragments)
			}
		}
	}
}

func addConditionalVariables(directives ast.DirectiveList, names map[string]bool) {
	for _, directive := range directives {
		if directive.Name != directiveSkip && directive.Name != directiveInclude {
			continue
		}
		if arg := directive.Arguments.ForName("if"); arg != nil && arg.Value != nil && arg.Value.Kind == ast.Variable {
			names[arg.Value.Raw] = true
		}
	}
}
