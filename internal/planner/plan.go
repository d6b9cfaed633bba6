// Package planner turns a composed schema and a parsed operation into a
// query plan: an ordered forest of fetch nodes, each addressed to the one
// service that owns the fields it carries. Nodes without a dependency
// relation execute concurrently; entity fetches depend on the node that
// produces their key field values.
package planner

import (
	"fmt"
	"strings"
)

// EntityFetch describes the representation lookup a fetch node performs to
// cross a service boundary for one entity type.
type EntityFetch struct {
	// TypeName tags every representation sent to the target service.
	TypeName string
	// KeyFields are read from the dependency node's output to build
	// representations.
	KeyFields []string
	// RequiredFields are additional prerequisite fields carried in the
	// representation, resolved by other services first.
	RequiredFields []string
}

// FetchNode is a single downstream request within a plan. Immutable once
// built.
type FetchNode struct {
	ID          int
	ServiceName string

	// Operation is the full document sent to the service, printed
	// deterministically: identical plans print byte-identically.
	Operation     string
	OperationName string

	// VariableNames lists the request variables the operation references;
	// the executor forwards exactly these values.
	VariableNames []string

	// Path addresses the node's position in the response. The "@" segment
	// flattens a list.
	Path []string

	// RootFields are the response keys this node contributes at its path;
	// for a root node these are its top-level selections.
	RootFields []string

	// Entity is set when this node resolves entities by key instead of
	// sending a direct operation.
	Entity *EntityFetch

	// DependsOn lists every node whose output must be merged before this
	// node can run. Empty for root nodes.
	DependsOn []*FetchNode

	// Then lists the nodes that depend on this one.
	Then []*FetchNode
}

// QueryPlan is an ordered forest of fetch nodes. Immutable once built.
type QueryPlan struct {
	RootNodes []*FetchNode
	// Nodes holds every node of the forest in deterministic order.
	Nodes []*FetchNode
	// StaticFields are root response keys the gateway answers itself with no
	// downstream fetch: __typename selections on the operation root, keyed by
	// response key and valued with the root type's name.
	StaticFields map[string]string
}

// PlanningError reports that no ownership assignment can satisfy the
// requested operation against the current composed schema. No partial plan
// is executed.
type PlanningError struct {
	Message string
	Path    []string
}

func (e *PlanningError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("cannot plan operation: %s (at %s)", e.Message, strings.Join(e.Path, "."))
	}
	return fmt.Sprintf("cannot plan operation: %s", e.Message)
}

func planErrorf(path []string, format string, args ...any) *PlanningError {
	return &PlanningError{Message: fmt.Sprintf(format, args...), Path: path}
}

// ApproxSize estimates the retained bytes of the plan, used as its cost in
// the plan cache.
func (p *QueryPlan) ApproxSize() int64 {
	var size int64
	for _, node := range p.Nodes {
		size += int64(len(node.Operation) + len(node.ServiceName) + len(node.OperationName))
		for _, seg := range node.Path {
			size += int64(len(seg))
		}
		for _, v := range node.VariableNames {
			size += int64(len(v))
		}
		if node.Entity != nil {
			size += int64(len(node.Entity.TypeName))
			for _, f := range node.Entity.KeyFields {
				size += int64(len(f))
			}
			for _, f := range node.Entity.RequiredFields {
				size += int64(len(f))
			}
		}
		// Struct and pointer overhead.
		size += 128 + int64(16*(len(node.DependsOn)+len(node.Then)))
	}
	for key, value := range p.StaticFields {
		size += int64(len(key) + len(value))
	}
	return size + 64
}

// String renders the plan in a stable human-readable form, pinned by golden
// tests.
func (p *QueryPlan) String() string {
	var sb strings.Builder
	sb.WriteString("QueryPlan {\n")
	for _, node := range p.RootNodes {
		writeNode(&sb, node, 1)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func writeNode(sb *strings.Builder, node *FetchNode, depth int) {
	indent := strings.Repeat("  ", depth)
	if node.Entity != nil {
		fmt.Fprintf(sb, "%sFlatten(path: %q) {\n", indent, strings.Join(node.Path, "."))
		fmt.Fprintf(sb, "%s  Fetch(id: %d, service: %q, type: %q, key: [%s]",
			indent, node.ID, node.ServiceName, node.Entity.TypeName, strings.Join(node.Entity.KeyFields, ", "))
		if len(node.Entity.RequiredFields) > 0 {
			fmt.Fprintf(sb, ", requires: [%s]", strings.Join(node.Entity.RequiredFields, ", "))
		}
	} else {
		fmt.Fprintf(sb, "%sFetch(id: %d, service: %q", indent, node.ID, node.ServiceName)
	}
	if len(node.DependsOn) > 1 {
		ids := make([]string, len(node.DependsOn))
		for i, dep := range node.DependsOn {
			ids[i] = fmt.Sprintf("%d", dep.ID)
		}
		fmt.Fprintf(sb, ", dependsOn: [%s]", strings.Join(ids, ", "))
	}
	sb.WriteString(") {\n")

	opIndent := indent
	if node.Entity != nil {
		opIndent += "  "
	}
	for _, line := range strings.Split(strings.TrimRight(node.Operation, "\n"), "\n") {
		fmt.Fprintf(sb, "%s  %s\n", opIndent, line)
	}
	fmt.Fprintf(sb, "%s}\n", opIndent)
	for _, child := range node.Then {
		writeNode(sb, child, depth+1)
	}
	if node.Entity != nil {
		fmt.Fprintf(sb, "%s}\n", indent)
	}
}
