package planner

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// printFetchOperation renders the document a fetch node sends downstream.
// The output is byte-identical for identical input: selection order follows
// the operation, variable definitions follow their declaration order, and
// gqlparser's formatter does the rest.
func printFetchOperation(op *ast.OperationDefinition, b *fetchBuilder) (string, []string, error) {
	selections := toSelectionSet(b.root.children)

	var variableDefinitions ast.VariableDefinitionList
	opKind := op.Operation

	if b.entity != nil {
		opKind = ast.Query
		variableDefinitions = append(variableDefinitions, &ast.VariableDefinition{
			Variable: variableRepresentations,
			Type:     ast.NonNullListType(ast.NonNullNamedType("_Any", nil), nil),
		})
		selections = ast.SelectionSet{
			&ast.Field{
				Name: fieldEntities,
				Arguments: ast.ArgumentList{{
					Name:  variableRepresentations,
					Value: &ast.Value{Kind: ast.Variable, Raw: variableRepresentations},
				}},
				SelectionSet: ast.SelectionSet{
					&ast.InlineFragment{
						TypeCondition: b.entity.TypeName,
						SelectionSet:  selections,
					},
				},
			},
		}
	}

	variableNames := make([]string, 0, len(b.varNames))
	for _, def := range op.VariableDefinitions {
		if b.varSeen == nil || !b.varSeen[def.Variable] {
			continue
		}
		variableNames = append(variableNames, def.Variable)
		variableDefinitions = append(variableDefinitions, &ast.VariableDefinition{
			Variable:     def.Variable,
			Type:         def.Type,
			DefaultValue: def.DefaultValue,
		})
	}
	for _, name := range b.varNames {
		if op.VariableDefinitions.ForName(name) == nil {
			return "", nil, planErrorf(b.path, "variable $%s is not declared by the operation", name)
		}
	}

	doc := &ast.QueryDocument{
		Operations: ast.OperationList{{
			Operation:           opKind,
			VariableDefinitions: variableDefinitions,
			SelectionSet:        selections,
		}},
	}
	var sb strings.Builder
	formatter.NewFormatter(&sb).FormatQueryDocument(doc)
	return sb.String(), variableNames, nil
}

func toSelectionSet(nodes []*selectionNode) ast.SelectionSet {
	set := make(ast.SelectionSet, 0, len(nodes))
	for _, node := range nodes {
		if node.field != nil {
			set = append(set, &ast.Field{
				Alias:        node.field.Alias,
				Name:         node.field.Name,
				Arguments:    node.field.Arguments,
				Directives:   withoutConditionals(node.field.Directives),
				SelectionSet: toSelectionSet(node.children),
			})
			continue
		}
		set = append(set, &ast.InlineFragment{
			TypeCondition: node.typeCondition,
			SelectionSet:  toSelectionSet(node.children),
		})
	}
	return set
}

// withoutConditionals drops @skip/@include from the downstream document:
// they were already folded into the plan shape.
func withoutConditionals(directives ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, directive := range directives {
		if directive.Name == directiveSkip || directive.Name == directiveInclude {
			continue
		}
		out = append(out, directive)
	}
	return out
}
