package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benjaminjkraft/apollo-server/internal/planner"
)

// variableRepresentations carries the representation list of an entity
// fetch.
const variableRepresentations = "representations"

// FetchExecutor runs a query plan against the per-service transports,
// merging every response into one buffer keyed by response path. Nodes
// without a dependency relation run concurrently; a failing node nulls its
// own paths and records errors without aborting its siblings.
type FetchExecutor struct {
	transports map[string]Transport
	logger     *zap.Logger
}

func NewFetchExecutor(transports map[string]Transport, logger *zap.Logger) *FetchExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FetchExecutor{
		transports: transports,
		logger:     logger,
	}
}

// nodeOutcome tracks whether a node produced mergeable output. Dependents
// of a failed or skipped node are skipped without adding further errors:
// the failing node already nulled the shared path.
type nodeOutcome int

const (
	outcomePending nodeOutcome = iota
	outcomeDone
	outcomeFailed
	outcomeSkipped
)

// Execute runs every node of the plan, dependencies before dependents,
// independent nodes in parallel. The merge buffer and the collected errors
// land on the execution context. Only context cancellation aborts the whole
// execution; any downstream failure is isolated to its node's paths.
func (e *FetchExecutor) Execute(ctx context.Context, execCtx *executionContext, plan *planner.QueryPlan) error {
	ctx, span := otel.Tracer("gateway").Start(ctx, "execute",
		oteltrace.WithAttributes(attribute.Int("plan.nodes", len(plan.Nodes))))
	defer span.End()

	if len(plan.StaticFields) > 0 {
		execCtx.mu.Lock()
		for key, typeName := range plan.StaticFields {
			execCtx.data[key] = typeName
		}
		execCtx.mu.Unlock()
	}

	outcomes := make(map[int]nodeOutcome, len(plan.Nodes))
	var outcomesMu sync.Mutex

	remaining := len(plan.Nodes)
	for remaining > 0 {
		ready := readyNodes(plan, outcomes)
		if len(ready) == 0 {
			// Every pending node waits on a failed or skipped dependency.
			for _, node := range plan.Nodes {
				if outcomes[node.ID] == outcomePending {
					outcomes[node.ID] = outcomeSkipped
					remaining--
				}
			}
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		for _, node := range ready {
			node := node
			group.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				outcome := outcomeFailed
				if e.runNode(groupCtx, execCtx, node) {
					outcome = outcomeDone
				}
				outcomesMu.Lock()
				outcomes[node.ID] = outcome
				outcomesMu.Unlock()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			// Cancelled mid-stage: the partial buffer is discarded by the
			// caller, no stitched response is produced.
			return err
		}
		remaining -= len(ready)
	}
	return nil
}

// readyNodes returns every pending node whose dependencies all completed
// successfully, and skips nodes waiting on a failed or skipped dependency.
func readyNodes(plan *planner.QueryPlan, outcomes map[int]nodeOutcome) []*planner.FetchNode {
	var ready []*planner.FetchNode
	for _, node := range plan.Nodes {
		if outcomes[node.ID] != outcomePending {
			continue
		}
		blocked := false
		failed := false
		for _, dep := range node.DependsOn {
			switch outcomes[dep.ID] {
			case outcomeDone:
			case outcomeFailed, outcomeSkipped:
				failed = true
			default:
				blocked = true
			}
		}
		if failed {
			outcomes[node.ID] = outcomeSkipped
			continue
		}
		if !blocked {
			ready = append(ready, node)
		}
	}
	return ready
}

// runNode performs one fetch and merges its output. Reports success; all
// failure handling happens inside.
func (e *FetchExecutor) runNode(ctx context.Context, execCtx *executionContext, node *planner.FetchNode) bool {
	transport, ok := e.transports[node.ServiceName]
	if !ok {
		e.failNode(execCtx, node, &FetchError{
			ServiceName: node.ServiceName,
			Err:         fmt.Errorf("no transport configured"),
		})
		return false
	}

	if node.Entity != nil {
		return e.runEntityNode(ctx, execCtx, node, transport)
	}
	return e.runRootNode(ctx, execCtx, node, transport)
}

func (e *FetchExecutor) runRootNode(ctx context.Context, execCtx *executionContext, node *planner.FetchNode, transport Transport) bool {
	req := &SubgraphRequest{
		Query:         node.Operation,
		OperationName: node.OperationName,
		Variables:     execCtx.variablesFor(node.VariableNames),
		Header:        make(http.Header),
	}

	resp, err := transport.Send(ctx, req, execCtx.requestContext)
	if err != nil {
		e.failNode(execCtx, node, err)
		return false
	}

	var data map[string]any
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			e.failNode(execCtx, node, &FetchError{
				ServiceName: node.ServiceName,
				Err:         fmt.Errorf("malformed data: %w", err),
			})
			return false
		}
	}
	if data == nil && len(resp.Errors) > 0 {
		// The service rejected the whole operation.
		e.failNode(execCtx, node, &FetchError{
			ServiceName:      node.ServiceName,
			DownstreamErrors: resp.Errors,
		})
		return false
	}

	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()
	deepMergeMap(execCtx.data, data)
	e.recordDownstreamLocked(execCtx, node, resp)
	return true
}

func (e *FetchExecutor) runEntityNode(ctx context.Context, execCtx *executionContext, node *planner.FetchNode, transport Transport) bool {
	execCtx.mu.Lock()
	objects := objectsAtPath(execCtx.data, node.Path)
	representations, indexes := BuildRepresentations(objects,
		node.Entity.TypeName, node.Entity.KeyFields, node.Entity.RequiredFields)
	execCtx.mu.Unlock()

	if len(representations) == 0 {
		// Nothing upstream produced a complete key: the node is satisfied
		// vacuously.
		return true
	}

	variables := execCtx.variablesFor(node.VariableNames)
	if variables == nil {
		variables = make(map[string]any, 1)
	}
	variables[variableRepresentations] = representations

	req := &SubgraphRequest{
		Query:         node.Operation,
		OperationName: node.OperationName,
		Variables:     variables,
		Header:        make(http.Header),
	}

	resp, err := transport.Send(ctx, req, execCtx.requestContext)
	if err != nil {
		e.failNode(execCtx, node, err)
		return false
	}

	entities, err := decodeEntities(resp.Data)
	if err != nil {
		e.failNode(execCtx, node, &FetchError{
			ServiceName:      node.ServiceName,
			DownstreamErrors: resp.Errors,
			Err:              err,
		})
		return false
	}

	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()
	MergeEntities(objects, indexes, entities)
	e.recordDownstreamLocked(execCtx, node, resp)
	return true
}

// decodeEntities extracts the positional entity list of an _entities
// response.
func decodeEntities(data json.RawMessage) ([]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("entity response carries no data")
	}
	var envelope struct {
		Entities []any `json:"_entities"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed entity response: %w", err)
	}
	if envelope.Entities == nil {
		return nil, fmt.Errorf("entity response carries no entity list")
	}
	return envelope.Entities, nil
}

// recordDownstreamLocked folds the non-fatal leftovers of a successful
// fetch into the execution context: partial errors reported alongside data,
// and the service's extensions map. Caller holds the buffer lock.
func (e *FetchExecutor) recordDownstreamLocked(execCtx *executionContext, node *planner.FetchNode, resp *SubgraphResponse) {
	for _, downstream := range resp.Errors {
		err := downstream
		if err.Extensions == nil {
			err.Extensions = map[string]any{}
		}
		err.Extensions["serviceName"] = node.ServiceName
		if err.Path == nil {
			err.Path = errorPath(prefixPath(node))
		}
		execCtx.errors = append(execCtx.errors, err)
	}
	if len(resp.Extensions) > 0 {
		execCtx.extensions = mergeJSONRightIntoLeft(execCtx.extensions, resp.Extensions)
	}
}

// failNode nulls the node's response paths and records one error per path,
// leaving every sibling path intact.
func (e *FetchExecutor) failNode(execCtx *executionContext, node *planner.FetchNode, err error) {
	e.logger.Debug("fetch node failed",
		zap.Int("nodeID", node.ID),
		zap.String("subgraph", node.ServiceName),
		zap.Error(err))

	execCtx.mu.Lock()
	defer execCtx.mu.Unlock()

	message := err.Error()
	extensions := map[string]any{"serviceName": node.ServiceName}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 {
		extensions["statusCode"] = fetchErr.StatusCode
	}

	if node.Entity == nil && len(node.Path) == 0 {
		// A failed top-level fetch nulls each of its own root fields.
		for _, field := range node.RootFields {
			execCtx.data[field] = nil
			execCtx.errors = append(execCtx.errors, GraphQLError{
				Message:    message,
				Path:       errorPath([]string{field}),
				Extensions: extensions,
			})
		}
		return
	}

	setNullAtPath(execCtx.data, node.Path)
	execCtx.errors = append(execCtx.errors, GraphQLError{
		Message:    message,
		Path:       errorPath(prefixPath(node)),
		Extensions: extensions,
	})
}

// prefixPath is the node's response path without trailing list flattening,
// usable as an error path prefix.
func prefixPath(node *planner.FetchNode) []string {
	path := node.Path
	for len(path) > 0 && path[len(path)-1] == pathListSegment {
		path = path[:len(path)-1]
	}
	return path
}
