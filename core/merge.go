package core

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/vektah/gqlparser/v2/ast"
)

// pathListSegment flattens a list while navigating a response path.
const pathListSegment = "@"

// objectsAtPath returns every object addressed by a response path,
// preserving buffer order. "@" fans out across list elements.
func objectsAtPath(root map[string]any, path []string) []map[string]any {
	current := []any{root}
	for _, segment := range path {
		var next []any
		if segment == pathListSegment {
			for _, value := range current {
				if list, ok := value.([]any); ok {
					next = append(next, list...)
				}
			}
		} else {
			for _, value := range current {
				if object, ok := value.(map[string]any); ok {
					if child, ok := object[segment]; ok {
						next = append(next, child)
					}
				}
			}
		}
		current = next
	}

	objects := make([]map[string]any, 0, len(current))
	for _, value := range current {
		if object, ok := value.(map[string]any); ok {
			objects = append(objects, object)
		}
	}
	return objects
}

// setNullAtPath records the failure of a fetch node: null is written at the
// node's response path, leaving every sibling path untouched.
func setNullAtPath(root map[string]any, path []string) {
	for len(path) > 0 && path[len(path)-1] == pathListSegment {
		path = path[:len(path)-1]
	}
	if len(path) == 0 {
		return
	}
	last := path[len(path)-1]
	for _, parent := range objectsAtPath(root, path[:len(path)-1]) {
		parent[last] = nil
	}
}

// mergeJSONRightIntoLeft merges two JSON objects, right taking precedence,
// used to fold downstream extensions maps into one.
func mergeJSONRightIntoLeft(left, right []byte) []byte {
	if len(left) == 0 {
		return right
	}
	if len(right) == 0 {
		return left
	}
	result := gjson.ParseBytes(right)
	result.ForEach(func(key, value gjson.Result) bool {
		left, _ = sjson.SetRawBytes(left, key.Str, []byte(value.Raw))
		return true
	})
	return left
}

// shapeResponseData projects the merge buffer onto the client's selection:
// key fields a fetch injected for entity lookups are dropped, requested
// fields that no node could resolve surface as explicit nulls.
func shapeResponseData(schema *ast.Schema, doc *ast.QueryDocument, variables map[string]any, set ast.SelectionSet, value any) any {
	if value == nil {
		return nil
	}
	if list, ok := value.([]any); ok {
		shaped := make([]any, len(list))
		for i, item := range list {
			shaped[i] = shapeResponseData(schema, doc, variables, set, item)
		}
		return shaped
	}
	object, ok := value.(map[string]any)
	if !ok {
		return value
	}

	shaped := make(map[string]any, len(set))
	shapeInto(schema, doc, variables, set, object, shaped)
	return shaped
}

func shapeInto(schema *ast.Schema, doc *ast.QueryDocument, variables map[string]any, set ast.SelectionSet, object, shaped map[string]any) {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			if include, err := evalShapedConditionals(s.Directives, variables); err != nil || !include {
				continue
			}
			key := s.Alias
			if key == "" {
				key = s.Name
			}
			child, ok := object[key]
			if !ok {
				shaped[key] = nil
				continue
			}
			if len(s.SelectionSet) == 0 {
				shaped[key] = child
				continue
			}
			shaped[key] = shapeResponseData(schema, doc, variables, s.SelectionSet, child)
		case *ast.InlineFragment:
			if include, err := evalShapedConditionals(s.Directives, variables); err != nil || !include {
				continue
			}
			if fragmentApplies(schema, s.TypeCondition, object) {
				shapeInto(schema, doc, variables, s.SelectionSet, object, shaped)
			}
		case *ast.FragmentSpread:
			if include, err := evalShapedConditionals(s.Directives, variables); err != nil || !include {
				continue
			}
			fragment := doc.Fragments.ForName(s.Name)
			if fragment == nil {
				continue
			}
			if fragmentApplies(schema, fragment.TypeCondition, object) {
				shapeInto(schema, doc, variables, fragment.SelectionSet, object, shaped)
			}
		}
	}
}

// fragmentApplies decides whether a type condition matches an object, using
// __typename when the buffer carries it and the schema's possible types for
// abstract conditions.
func fragmentApplies(schema *ast.Schema, typeCondition string, object map[string]any) bool {
	if typeCondition == "" {
		return true
	}
	typeName, ok := object[typenameKey].(string)
	if !ok {
		// Without a concrete type name the condition cannot be refuted.
		return true
	}
	if typeName == typeCondition {
		return true
	}
	for _, possible := range schema.PossibleTypes[typeCondition] {
		if possible.Name == typeName {
			return true
		}
	}
	return false
}

// evalShapedConditionals mirrors the planner's @skip/@include folding for
// the shaping pass.
func evalShapedConditionals(directives ast.DirectiveList, variables map[string]any) (bool, error) {
	for _, directive := range directives {
		if directive.Name != "skip" && directive.Name != "include" {
			continue
		}
		arg := directive.Arguments.ForName("if")
		if arg == nil || arg.Value == nil {
			continue
		}
		var cond bool
		switch arg.Value.Kind {
		case ast.BooleanValue:
			cond = arg.Value.Raw == "true"
		case ast.Variable:
			cond, _ = variables[arg.Value.Raw].(bool)
		}
		if directive.Name == "skip" && cond {
			return false, nil
		}
		if directive.Name == "include" && !cond {
			return false, nil
		}
	}
	return true, nil
}
