// Package composition merges the schema documents of a set of implementing
// services into one composed schema plus the field-ownership and entity
// metadata the planner needs to route fields across service boundaries.
package composition

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
)

// ServiceDefinition describes one implementing service. Immutable once
// composed; the set of all definitions is versioned as a unit.
type ServiceDefinition struct {
	Name      string
	URL       string
	SchemaSDL string
}

// Entity records a type resolvable across services via a declared key.
type Entity struct {
	TypeName string
	// KeyFields is the field set uniquely identifying an instance of this
	// type across services.
	KeyFields []string
	// OwningServices lists every service that declares or extends this type,
	// in sorted order.
	OwningServices []string
}

// ComposedSchema is the merged type system plus ownership and entity
// metadata. A new composition produces a new value, never mutates in place.
type ComposedSchema struct {
	// Version increases monotonically with every successful composition.
	Version uint64

	Schema *ast.Schema
	// SDL is the canonical merged schema text. Byte-identical for
	// identical service sets.
	SDL string

	// Services holds the composed definitions sorted by name.
	Services []ServiceDefinition

	// FieldOwnership maps "Type.field" to the service that resolves it.
	FieldOwnership map[string]string

	// Entities maps a type name to its entity metadata. Types without an
	// entity key are absent.
	Entities map[string]*Entity

	// Requires maps "Type.field" to the sibling fields that must be
	// resolved by another service before the owning service can resolve
	// the field.
	Requires map[string][]string

	// Provides maps "Type.field" to the fields of the target type the
	// owning service can resolve inline, without an entity round trip.
	Provides map[string][]string
}

// OwnerOf returns the service owning the given field.
func (s *ComposedSchema) OwnerOf(typeName, fieldName string) (string, bool) {
	owner, ok := s.FieldOwnership[fieldKey(typeName, fieldName)]
	return owner, ok
}

// EntityFor returns the entity metadata for a type, if it has a key.
func (s *ComposedSchema) EntityFor(typeName string) (*Entity, bool) {
	e, ok := s.Entities[typeName]
	return e, ok
}

// RequiredFields returns the cross-service prerequisites of a field.
func (s *ComposedSchema) RequiredFields(typeName, fieldName string) []string {
	return s.Requires[fieldKey(typeName, fieldName)]
}

// ServiceByName returns the composed definition of a single service.
func (s *ComposedSchema) ServiceByName(name string) (ServiceDefinition, bool) {
	for _, svc := range s.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceDefinition{}, false
}

func fieldKey(typeName, fieldName string) string {
	return fmt.Sprintf("%s.%s", typeName, fieldName)
}
