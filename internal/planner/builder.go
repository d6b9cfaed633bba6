package planner

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/benjaminjkraft/apollo-server/internal/composition"
)

const (
	fieldTypename           = "__typename"
	fieldEntities           = "_entities"
	variableRepresentations = "representations"
)

// selectionNode is a mutable selection tree for one fetch while the plan is
// being built. Fields keep the order they were written in the operation;
// repeated selections of the same response key merge.
type selectionNode struct {
	field         *ast.Field
	typeCondition string
	children      []*selectionNode
	index         map[string]*selectionNode
}

func (s *selectionNode) child(key string, create func() *selectionNode) *selectionNode {
	if s.index == nil {
		s.index = make(map[string]*selectionNode)
	}
	if existing, ok := s.index[key]; ok {
		return existing
	}
	node := create()
	s.index[key] = node
	s.children = append(s.children, node)
	return node
}

func (s *selectionNode) childField(field *ast.Field) *selectionNode {
	alias := field.Alias
	if alias == "" {
		alias = field.Name
	}
	return s.child(alias, func() *selectionNode {
		return &selectionNode{field: field}
	})
}

func (s *selectionNode) childFragment(typeCondition string) *selectionNode {
	return s.child("... "+typeCondition, func() *selectionNode {
		return &selectionNode{typeCondition: typeCondition}
	})
}

// fetchBuilder accumulates one fetch node during planning.
type fetchBuilder struct {
	service    string
	path       []string
	entity     *EntityFetch
	root       *selectionNode
	parent     *fetchBuilder
	deps       []*fetchBuilder
	childIndex map[string]*fetchBuilder
	varNames   []string
	varSeen    map[string]bool
	node       *FetchNode
}

func (b *fetchBuilder) addDep(dep *fetchBuilder) {
	for _, existing := range b.deps {
		if existing == dep {
			return
		}
	}
	b.deps = append(b.deps, dep)
}

func (b *fetchBuilder) addVariable(name string) {
	if b.varSeen == nil {
		b.varSeen = make(map[string]bool)
	}
	if b.varSeen[name] {
		return
	}
	b.varSeen[name] = true
	b.varNames = append(b.varNames, name)
}

type walker struct {
	schema    *composition.ComposedSchema
	doc       *ast.QueryDocument
	op        *ast.OperationDefinition
	variables map[string]any

	rootType     string
	builders     []*fetchBuilder
	rootBuilders []*fetchBuilder
	rootIndex    map[string]*fetchBuilder
	staticFields map[string]string
}

// Build constructs a query plan for one operation of a parsed document.
// Variable values only influence the result through @skip/@include; plans
// for operations without variable conditionals are reusable across requests.
func Build(schema *composition.ComposedSchema, doc *ast.QueryDocument, op *ast.OperationDefinition, variables map[string]any) (*QueryPlan, error) {
	var rootType string
	switch op.Operation {
	case ast.Query:
		rootType = queryTypeName(schema)
	case ast.Mutation:
		rootType = mutationTypeName(schema)
		if rootType == "" {
			return nil, planErrorf(nil, "the composed schema has no mutation type")
		}
	default:
		return nil, planErrorf(nil, "%s operations are not supported", op.Operation)
	}

	w := &walker{
		schema:    schema,
		doc:       doc,
		op:        op,
		variables: variables,
		rootType:  rootType,
		rootIndex: make(map[string]*fetchBuilder),
	}
	if err := w.walkRoot(op.SelectionSet); err != nil {
		return nil, err
	}
	if len(w.rootBuilders) == 0 && len(w.staticFields) == 0 {
		return nil, planErrorf(nil, "operation selects no fields")
	}

	// Root mutations run in document order, one service at a time.
	if op.Operation == ast.Mutation {
		for i := 1; i < len(w.rootBuilders); i++ {
			w.rootBuilders[i].addDep(w.rootBuilders[i-1])
		}
	}

	return w.finalize()
}

func (w *walker) rootBuilder(service string) *fetchBuilder {
	if b, ok := w.rootIndex[service]; ok {
		return b
	}
	b := &fetchBuilder{
		service: service,
		root:    &selectionNode{},
	}
	w.rootIndex[service] = b
	w.rootBuilders = append(w.rootBuilders, b)
	w.builders = append(w.builders, b)
	return b
}

func (w *walker) walkRoot(set ast.SelectionSet) error {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			include, err := evalConditionals(s.Directives, w.variables)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			if s.Name == fieldTypename {
				// The gateway answers the operation root's type itself; no
				// service is asked.
				if w.staticFields == nil {
					w.staticFields = make(map[string]string)
				}
				w.staticFields[responseKey(s)] = w.rootType
				continue
			}
			if strings.HasPrefix(s.Name, "__") {
				return planErrorf([]string{s.Name}, "introspection fields cannot be planned against implementing services")
			}
			owner, ok := w.schema.OwnerOf(w.rootType, s.Name)
			if !ok {
				return planErrorf([]string{s.Name}, "no service resolves field %q on type %q", s.Name, w.rootType)
			}
			b := w.rootBuilder(owner)
			if err := w.addField(b, b.root, w.rootType, nil, s); err != nil {
				return err
			}
		case *ast.InlineFragment:
			if err := w.walkRootFragment(s.Directives, s.SelectionSet); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			fragment := w.doc.Fragments.ForName(s.Name)
			if fragment == nil {
				return planErrorf(nil, "unknown fragment %q", s.Name)
			}
			if err := w.walkRootFragment(s.Directives, fragment.SelectionSet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) walkRootFragment(directives ast.DirectiveList, set ast.SelectionSet) error {
	include, err := evalConditionals(directives, w.variables)
	if err != nil {
		return err
	}
	if !include {
		return nil
	}
	return w.walkRoot(set)
}

// addField routes one requested field into the fetch that owns it, spawning
// a dependent entity fetch when ownership crosses a service boundary.
func (w *walker) addField(b *fetchBuilder, container *selectionNode, parentType string, path []string, field *ast.Field) error {
	if field.Name == fieldTypename {
		container.childField(field)
		return nil
	}

	fieldDef := w.fieldDefinition(parentType, field.Name)
	if fieldDef == nil {
		return planErrorf(appendPath(path, field.Name), "field %q is not defined on type %q", field.Name, parentType)
	}
	owner, ok := w.schema.OwnerOf(parentType, field.Name)
	if !ok {
		return planErrorf(appendPath(path, field.Name), "no service resolves field %q on type %q", field.Name, parentType)
	}

	if owner != b.service {
		return w.crossBoundary(b, container, parentType, path, field, fieldDef, owner)
	}

	w.collectVariables(b, field)
	selNode := container.childField(field)
	if len(field.SelectionSet) == 0 {
		return nil
	}
	childPath := appendPath(path, responseKey(field))
	if isListType(fieldDef.Type) {
		childPath = append(childPath, pathListSegment)
	}
	return w.walkSet(b, selNode, namedType(fieldDef.Type), childPath, field.SelectionSet)
}

func (w *walker) walkSet(b *fetchBuilder, container *selectionNode, parentType string, path []string, set ast.SelectionSet) error {
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			include, err := evalConditionals(s.Directives, w.variables)
			if err != nil {
				return err
			}
			if !include {
				continue
			}
			if err := w.addField(b, container, parentType, path, s); err != nil {
				return err
			}
		case *ast.InlineFragment:
			if err := w.walkFragment(b, container, parentType, path, s.TypeCondition, s.Directives, s.SelectionSet); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			fragment := w.doc.Fragments.ForName(s.Name)
			if fragment == nil {
				return planErrorf(path, "unknown fragment %q", s.Name)
			}
			if err := w.walkFragment(b, container, parentType, path, fragment.TypeCondition, s.Directives, fragment.SelectionSet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) walkFragment(b *fetchBuilder, container *selectionNode, parentType string, path []string, typeCondition string, directives ast.DirectiveList, set ast.SelectionSet) error {
	include, err := evalConditionals(directives, w.variables)
	if err != nil {
		return err
	}
	if !include {
		return nil
	}
	if typeCondition == "" || typeCondition == parentType {
		return w.walkSet(b, container, parentType, path, set)
	}
	fragNode := container.childFragment(typeCondition)
	return w.walkSet(b, fragNode, typeCondition, path, set)
}

// crossBoundary starts (or joins) the entity fetch that resolves a field
// owned by another service, wiring its key and @requires prerequisites.
func (w *walker) crossBoundary(b *fetchBuilder, container *selectionNode, parentType string, path []string, field *ast.Field, fieldDef *ast.FieldDefinition, owner string) error {
	fieldPath := appendPath(path, responseKey(field))

	entity, ok := w.schema.EntityFor(parentType)
	if !ok {
		return planErrorf(fieldPath, "field %q is resolved by service %q, but type %q has no entity key to reach it", field.Name, owner, parentType)
	}
	if !containsString(entity.OwningServices, owner) {
		return planErrorf(fieldPath, "service %q cannot resolve entity type %q", owner, parentType)
	}

	child := w.entityChild(b, owner, parentType, path, entity)

	// The parent fetch must produce the key field values the
	// representations are built from.
	for _, keyField := range entity.KeyFields {
		container.childField(syntheticField(keyField))
	}

	for _, required := range w.schema.RequiredFields(parentType, field.Name) {
		requiredOwner, ok := w.schema.OwnerOf(parentType, required)
		if !ok {
			return planErrorf(fieldPath, "field %q requires %q, which no service resolves", field.Name, required)
		}
		switch requiredOwner {
		case b.service:
			container.childField(syntheticField(required))
		case owner:
			// The target service resolves its own prerequisite.
			continue
		default:
			provider := w.entityChild(b, requiredOwner, parentType, path, entity)
			provider.root.childField(syntheticField(required))
			child.addDep(provider)
		}
		child.entity.RequiredFields = appendUnique(child.entity.RequiredFields, required)
	}

	w.collectVariables(child, field)
	selNode := child.root.childField(field)
	if len(field.SelectionSet) == 0 {
		return nil
	}
	childPath := fieldPath
	if isListType(fieldDef.Type) {
		childPath = append(childPath, pathListSegment)
	}
	return w.walkSet(child, selNode, namedType(fieldDef.Type), childPath, field.SelectionSet)
}

// entityChild returns the fetch resolving entities of parentType for the
// given service at the given path, creating it on first use so every foreign
// field of one service at one path shares a single batched fetch.
func (w *walker) entityChild(parent *fetchBuilder, service, parentType string, path []string, entity *composition.Entity) *fetchBuilder {
	key := service + "|" + strings.Join(path, ".") + "|" + parentType
	if parent.childIndex == nil {
		parent.childIndex = make(map[string]*fetchBuilder)
	}
	if existing, ok := parent.childIndex[key]; ok {
		return existing
	}
	child := &fetchBuilder{
		service: service,
		path:    append([]string(nil), path...),
		entity: &EntityFetch{
			TypeName:  parentType,
			KeyFields: entity.KeyFields,
		},
		root:   &selectionNode{},
		parent: parent,
	}
	child.addDep(parent)
	parent.childIndex[key] = child
	w.builders = append(w.builders, child)
	return child
}

func (w *walker) finalize() (*QueryPlan, error) {
	plan := &QueryPlan{StaticFields: w.staticFields}
	for i, b := range w.builders {
		node := &FetchNode{
			ID:          i + 1,
			ServiceName: b.service,
			Path:        b.path,
			RootFields:  rootFieldKeys(b.root),
			Entity:      b.entity,
		}
		b.node = node
		plan.Nodes = append(plan.Nodes, node)
	}
	for _, b := range w.builders {
		operation, variableNames, err := printFetchOperation(w.op, b)
		if err != nil {
			return nil, err
		}
		b.node.Operation = operation
		b.node.VariableNames = variableNames
		if len(b.deps) == 0 {
			plan.RootNodes = append(plan.RootNodes, b.node)
			continue
		}
		for _, dep := range b.deps {
			b.node.DependsOn = append(b.node.DependsOn, dep.node)
		}
		// Rendered under the first dependency only.
		b.deps[0].node.Then = append(b.deps[0].node.Then, b.node)
	}
	return plan, nil
}

func rootFieldKeys(root *selectionNode) []string {
	keys := make([]string, 0, len(root.children))
	for _, child := range root.children {
		if child.field == nil {
			continue
		}
		keys = append(keys, responseKey(child.field))
	}
	return keys
}

func (w *walker) fieldDefinition(typeName, fieldName string) *ast.FieldDefinition {
	def := w.schema.Schema.Types[typeName]
	if def == nil {
		return nil
	}
	return def.Fields.ForName(fieldName)
}

// collectVariables records every variable the field's arguments and carried
// directives reference, so the executor forwards exactly those values.
func (w *walker) collectVariables(b *fetchBuilder, field *ast.Field) {
	for _, arg := range field.Arguments {
		collectValueVariables(b, arg.Value)
	}
	for _, directive := range field.Directives {
		if directive.Name == directiveSkip || directive.Name == directiveInclude {
			continue
		}
		for _, arg := range directive.Arguments {
			collectValueVariables(b, arg.Value)
		}
	}
}

func collectValueVariables(b *fetchBuilder, value *ast.Value) {
	if value == nil {
		return
	}
	if value.Kind == ast.Variable {
		b.addVariable(value.Raw)
		return
	}
	for _, child := range value.Children {
		collectValueVariables(b, child.Value)
	}
}

const pathListSegment = "@"

func appendPath(path []string, segment string) []string {
	out := make([]string, 0, len(path)+1)
	out = append(out, path...)
	return append(out, segment)
}

func responseKey(field *ast.Field) string {
	if field.Alias != "" {
		return field.Alias
	}
	return field.Name
}

func syntheticField(name string) *ast.Field {
	return &ast.Field{Name: name, Alias: name}
}

func namedType(t *ast.Type) string {
	for t.Elem != nil {
		t = t.Elem
	}
	return t.NamedType
}

func isListType(t *ast.Type) bool {
	return t.Elem != nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func appendUnique(list []string, value string) []string {
	if containsString(list, value) {
		return list
	}
	return append(list, value)
}

func queryTypeName(schema *composition.ComposedSchema) string {
	if schema.Schema.Query != nil {
		return schema.Schema.Query.Name
	}
	return "Query"
}

func mutationTypeName(schema *composition.ComposedSchema) string {
	if schema.Schema.Mutation != nil {
		return schema.Schema.Mutation.Name
	}
	return ""
}
