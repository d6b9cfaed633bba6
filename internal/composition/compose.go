package composition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

const (
	directiveKey      = "key"
	directiveExternal = "external"
	directiveRequires = "requires"
	directiveProvides = "provides"
	directiveExtends  = "extends"
)

// rootTypeNames may be extended by any service without an entity key.
var rootTypeNames = map[string]bool{
	"Query":        true,
	"Mutation":     true,
	"Subscription": true,
}

// federationTypeNames are subgraph-only machinery and never appear in the
// composed schema.
var federationTypeNames = map[string]bool{
	"_Any":      true,
	"_Entity":   true,
	"_Service":  true,
	"_FieldSet": true,
}

var federationFieldNames = map[string]bool{
	"_entities": true,
	"_service":  true,
}

type mergedField struct {
	def          *ast.FieldDefinition
	owner        string
	signature    string
	externalOnly bool
}

type mergedType struct {
	kind       ast.DefinitionKind
	def        *ast.Definition
	fieldOrder []string
	fields     map[string]*mergedField
	services   map[string]bool
	hasBase    bool
	baseOwner  string
	keyFields  []string
	extenders  []string
}

// Compose merges the given service definitions into a ComposedSchema
// carrying the supplied version. The input order is irrelevant: services are
// sorted by name internally, so the output is deterministic for a given set.
//
// On failure it returns a *CompositionError aggregating every problem; the
// caller must keep serving its previous schema in that case.
func Compose(defs []ServiceDefinition, version uint64) (*ComposedSchema, error) {
	problems := &compositionProblems{}

	services := make([]ServiceDefinition, len(defs))
	copy(services, defs)
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		if seen[svc.Name] {
			problems.addf("service %q is defined more than once", svc.Name)
		}
		seen[svc.Name] = true
	}

	docs := make(map[string]*ast.SchemaDocument, len(services))
	for _, svc := range services {
		doc, err := parser.ParseSchema(&ast.Source{Name: svc.Name, Input: svc.SchemaSDL})
		if err != nil {
			problems.addf("service %q: invalid schema document: %s", svc.Name, err)
			continue
		}
		docs[svc.Name] = doc
	}
	if err := problems.intoError(); err != nil {
		return nil, err
	}

	m := &merger{
		types:    make(map[string]*mergedType),
		order:    nil,
		requires: make(map[string][]string),
		provides: make(map[string][]string),
		problems: problems,
	}

	// Base definitions first, extensions second, so that extension and
	// @external checks see every base type regardless of service order.
	for _, svc := range services {
		doc := docs[svc.Name]
		for _, def := range doc.Definitions {
			if def.Directives.ForName(directiveExtends) != nil {
				continue
			}
			m.mergeBase(svc.Name, def)
		}
	}
	for _, svc := range services {
		doc := docs[svc.Name]
		for _, def := range doc.Definitions {
			if def.Directives.ForName(directiveExtends) != nil {
				m.mergeExtension(svc.Name, def)
			}
		}
		for _, def := range doc.Extensions {
			m.mergeExtension(svc.Name, def)
		}
	}

	m.validate()

	if err := problems.intoError(); err != nil {
		return nil, err
	}

	sdl := m.renderSDL()
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "composed", Input: sdl})
	if err != nil {
		problems.addf("merged schema is not valid: %s", err)
		return nil, problems.intoError()
	}

	composed := &ComposedSchema{
		Version:        version,
		Schema:         schema,
		SDL:            sdl,
		Services:       services,
		FieldOwnership: make(map[string]string),
		Entities:       make(map[string]*Entity),
		Requires:       m.requires,
		Provides:       m.provides,
	}
	for _, name := range m.order {
		mt := m.types[name]
		for _, fieldName := range mt.fieldOrder {
			mf := mt.fields[fieldName]
			if mf.owner != "" {
				composed.FieldOwnership[fieldKey(name, fieldName)] = mf.owner
			}
		}
		if len(mt.keyFields) > 0 {
			owning := make([]string, 0, len(mt.services))
			for svc := range mt.services {
				owning = append(owning, svc)
			}
			sort.Strings(owning)
			composed.Entities[name] = &Entity{
				TypeName:       name,
				KeyFields:      mt.keyFields,
				OwningServices: owning,
			}
		}
	}
	return composed, nil
}

type merger struct {
	types    map[string]*mergedType
	order    []string
	requires map[string][]string
	provides map[string][]string
	problems *compositionProblems
}

func (m *merger) typeFor(def *ast.Definition) *mergedType {
	mt, ok := m.types[def.Name]
	if !ok {
		mt = &mergedType{
			kind: def.Kind,
			def: &ast.Definition{
				Kind:        def.Kind,
				Name:        def.Name,
				Description: def.Description,
				Interfaces:  def.Interfaces,
			},
			fields:   make(map[string]*mergedField),
			services: make(map[string]bool),
		}
		m.types[def.Name] = mt
		m.order = append(m.order, def.Name)
	}
	return mt
}

func (m *merger) mergeBase(service string, def *ast.Definition) {
	if federationTypeNames[def.Name] {
		return
	}
	mt := m.typeFor(def)
	mt.services[service] = true

	if mt.kind != def.Kind {
		m.problems.addf("type %q: service %q declares kind %s, already declared as %s",
			def.Name, service, def.Kind, mt.kind)
		return
	}
	if !mt.hasBase {
		mt.hasBase = true
		mt.baseOwner = service
	}

	m.mergeKeyDirective(service, def, mt)

	switch def.Kind {
	case ast.Object, ast.Interface, ast.InputObject:
		for _, field := range def.Fields {
			m.mergeField(service, def, mt, field)
		}
	case ast.Enum:
		m.mergeEnum(service, def, mt)
	case ast.Union:
		m.mergeUnion(service, def, mt)
	case ast.Scalar:
		// Nothing beyond the name to merge.
	}
}

func (m *merger) mergeExtension(service string, def *ast.Definition) {
	if federationTypeNames[def.Name] {
		return
	}
	mt, ok := m.types[def.Name]
	if !ok {
		m.problems.addf("service %q extends unknown type %q", service, def.Name)
		return
	}
	mt.services[service] = true
	mt.extenders = append(mt.extenders, service)

	m.mergeKeyDirective(service, def, mt)

	for _, field := range def.Fields {
		m.mergeField(service, def, mt, field)
	}
}

func (m *merger) mergeKeyDirective(service string, def *ast.Definition, mt *mergedType) {
	key := def.Directives.ForName(directiveKey)
	if key == nil {
		return
	}
	fieldSet, err := parseFieldSet(key.Arguments.ForName("fields"))
	if err != nil {
		m.problems.addf("type %q: service %q: invalid @key: %s", def.Name, service, err)
		return
	}
	if len(mt.keyFields) == 0 {
		mt.keyFields = fieldSet
		return
	}
	if !equalFieldSets(mt.keyFields, fieldSet) {
		m.problems.addf("type %q: service %q declares key %q, conflicting with %q",
			def.Name, service, strings.Join(fieldSet, " "), strings.Join(mt.keyFields, " "))
	}
}

func (m *merger) mergeField(service string, def *ast.Definition, mt *mergedType, field *ast.FieldDefinition) {
	if rootTypeNames[def.Name] && federationFieldNames[field.Name] {
		return
	}
	external := field.Directives.ForName(directiveExternal) != nil
	signature := fieldSignature(field)

	existing, ok := mt.fields[field.Name]
	if !ok {
		mf := &mergedField{
			def:          stripFieldDirectives(field),
			signature:    signature,
			externalOnly: external,
		}
		if !external {
			mf.owner = service
		}
		mt.fields[field.Name] = mf
		mt.fieldOrder = append(mt.fieldOrder, field.Name)
	} else {
		if existing.signature != signature {
			m.problems.addf("field %q: service %q declares %q, conflicting with %q declared by service %q",
				fieldKey(def.Name, field.Name), service, signature, existing.signature, existing.owner)
			return
		}
		if !external {
			if existing.externalOnly {
				// First non-external declaration resolves the field.
				existing.externalOnly = false
				existing.owner = service
			}
			// Identical re-declarations are mergeable value-type fields;
			// the first declaring service (in sorted order) stays owner.
		}
	}

	if requires := field.Directives.ForName(directiveRequires); requires != nil {
		fieldSet, err := parseFieldSet(requires.Arguments.ForName("fields"))
		if err != nil {
			m.problems.addf("field %q: service %q: invalid @requires: %s",
				fieldKey(def.Name, field.Name), service, err)
		} else {
			m.requires[fieldKey(def.Name, field.Name)] = fieldSet
		}
	}
	if provides := field.Directives.ForName(directiveProvides); provides != nil {
		fieldSet, err := parseFieldSet(provides.Arguments.ForName("fields"))
		if err != nil {
			m.problems.addf("field %q: service %q: invalid @provides: %s",
				fieldKey(def.Name, field.Name), service, err)
		} else {
			m.provides[fieldKey(def.Name, field.Name)] = fieldSet
		}
	}
}

func (m *merger) mergeEnum(service string, def *ast.Definition, mt *mergedType) {
	if len(mt.def.EnumValues) == 0 {
		mt.def.EnumValues = def.EnumValues
		return
	}
	if enumSignature(mt.def) != enumSignature(def) {
		m.problems.addf("enum %q: service %q declares conflicting values", def.Name, service)
	}
}

func (m *merger) mergeUnion(service string, def *ast.Definition, mt *mergedType) {
	if len(mt.def.Types) == 0 {
		mt.def.Types = def.Types
		return
	}
	existing := strings.Join(mt.def.Types, "|")
	incoming := strings.Join(def.Types, "|")
	if existing != incoming {
		m.problems.addf("union %q: service %q declares members %q, conflicting with %q",
			def.Name, service, incoming, existing)
	}
}

// validate runs the whole-schema checks that need every service merged:
// extensions must target entity types, @external and @key fields must exist,
// and @requires prerequisites must be resolvable by another service.
func (m *merger) validate() {
	for _, name := range m.order {
		mt := m.types[name]

		if len(mt.extenders) > 0 && !rootTypeNames[name] && len(mt.keyFields) == 0 {
			for _, svc := range mt.extenders {
				m.problems.addf("service %q extends type %q, which has no entity key", svc, name)
			}
		}

		for _, keyField := range mt.keyFields {
			if _, ok := mt.fields[keyField]; !ok {
				m.problems.addf("type %q: key field %q is not defined", name, keyField)
			}
		}

		for _, fieldName := range mt.fieldOrder {
			mf := mt.fields[fieldName]
			if mf.externalOnly {
				m.problems.addf("field %q is marked @external but no service resolves it",
					fieldKey(name, fieldName))
			}
		}
	}

	for key, fieldSet := range m.requires {
		typeName, fieldName, _ := strings.Cut(key, ".")
		mt := m.types[typeName]
		if mt == nil {
			continue
		}
		owner := ""
		if mf := mt.fields[fieldName]; mf != nil {
			owner = mf.owner
		}
		for _, required := range fieldSet {
			requiredField, ok := mt.fields[required]
			if !ok {
				m.problems.addf("field %q requires %q, which is not defined on type %q",
					key, required, typeName)
				continue
			}
			if requiredField.owner == "" || requiredField.owner == owner {
				m.problems.addf("field %q requires %q, but no other service resolves it", key, required)
			}
		}
	}
}

// renderSDL prints the canonical merged schema. Types are sorted by name and
// federation directives are stripped, so the output is stable and valid
// against plain GraphQL tooling.
func (m *merger) renderSDL() string {
	doc := &ast.SchemaDocument{}
	names := make([]string, len(m.order))
	copy(names, m.order)
	sort.Strings(names)

	for _, name := range names {
		mt := m.types[name]
		def := mt.def
		def.Fields = nil
		for _, fieldName := range mt.fieldOrder {
			def.Fields = append(def.Fields, mt.fields[fieldName].def)
		}
		doc.Definitions = append(doc.Definitions, def)
	}

	var sb strings.Builder
	formatter.NewFormatter(&sb).FormatSchemaDocument(doc)
	return sb.String()
}

// parseFieldSet parses the flat field list of a @key/@requires/@provides
// argument. Compound selections are not supported.
func parseFieldSet(arg *ast.Argument) ([]string, error) {
	if arg == nil || arg.Value == nil {
		return nil, fmt.Errorf("missing fields argument")
	}
	raw := arg.Value.Raw
	if strings.ContainsAny(raw, "{}") {
		return nil, fmt.Errorf("compound field sets are not supported: %q", raw)
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty fields argument")
	}
	return fields, nil
}

func equalFieldSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fieldSignature renders a field definition for conflict detection. Two
// declarations merge only if their signatures match exactly.
func fieldSignature(field *ast.FieldDefinition) string {
	var sb strings.Builder
	sb.WriteString(field.Name)
	if len(field.Arguments) > 0 {
		sb.WriteString("(")
		for i, arg := range field.Arguments {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(arg.Name)
			sb.WriteString(": ")
			sb.WriteString(arg.Type.String())
		}
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	sb.WriteString(field.Type.String())
	return sb.String()
}

func enumSignature(def *ast.Definition) string {
	values := make([]string, 0, len(def.EnumValues))
	for _, v := range def.EnumValues {
		values = append(values, v.Name)
	}
	sort.Strings(values)
	return strings.Join(values, "|")
}

// stripFieldDirectives copies a field definition without its federation
// directives, which are subgraph-only vocabulary.
func stripFieldDirectives(field *ast.FieldDefinition) *ast.FieldDefinition {
	stripped := *field
	stripped.Directives = nil
	for _, d := range field.Directives {
		switch d.Name {
		case directiveKey, directiveExternal, directiveRequires, directiveProvides, directiveExtends:
		default:
			stripped.Directives = append(stripped.Directives, d)
		}
	}
	return &stripped
}
