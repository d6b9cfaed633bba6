package core

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/benjaminjkraft/apollo-server/internal/composition"
	"github.com/benjaminjkraft/apollo-server/internal/planner"
)

// OperationPlanner builds query plans against one composed schema version
// and caches them. It is bound to its schema: swapping in a new composition
// swaps in a fresh planner, so no stale plan can survive a schema change.
type OperationPlanner struct {
	schema    *composition.ComposedSchema
	planCache *ristretto.Cache[uint64, *planner.QueryPlan]
	sf        singleflight.Group
	logger    *zap.Logger
}

// NewOperationPlanner creates a planner with a plan cache bounded by
// cacheSize bytes. A zero cacheSize disables caching; every request plans
// from scratch.
func NewOperationPlanner(schema *composition.ComposedSchema, cacheSize int64, logger *zap.Logger) (*OperationPlanner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &OperationPlanner{
		schema: schema,
		logger: logger,
	}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[uint64, *planner.QueryPlan]{
			// Counters sized for ~10x the plans a full cache holds, at an
			// assumed ~1KiB per plan.
			NumCounters:        cacheSize / 1024 * 10,
			MaxCost:            cacheSize,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, err
		}
		p.planCache = cache
	}
	return p, nil
}

// Schema returns the composed schema this planner plans against.
func (p *OperationPlanner) Schema() *composition.ComposedSchema {
	return p.schema
}

// Plan returns the query plan for an operation, from cache when a plan for
// the same canonical text, schema version, and conditional-variable values
// already exists. Concurrent misses on one key coalesce into a single
// build; planning errors are shared with every waiter and never cached.
func (p *OperationPlanner) Plan(doc *ast.QueryDocument, op *ast.OperationDefinition, canonicalText string, variables map[string]any) (*planner.QueryPlan, error) {
	if p.planCache == nil {
		return planner.Build(p.schema, doc, op, variables)
	}

	key := p.planKey(doc, op, canonicalText, variables)
	if plan, ok := p.planCache.Get(key); ok {
		return plan, nil
	}

	built, err, shared := p.sf.Do(strconv.FormatUint(key, 16), func() (any, error) {
		plan, err := planner.Build(p.schema, doc, op, variables)
		if err != nil {
			return nil, err
		}
		p.planCache.Set(key, plan, plan.ApproxSize())
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("coalesced concurrent plan build", zap.Uint64("planKey", key))
	}
	return built.(*planner.QueryPlan), nil
}

// planKey fingerprints an operation for the plan cache. Two requests share
// a plan exactly when their canonical text, the selected operation name,
// the schema version, and the values of the variables referenced by
// @skip/@include all match; variables used only as field arguments never
// enter the key.
func (p *OperationPlanner) planKey(doc *ast.QueryDocument, op *ast.OperationDefinition, canonicalText string, variables map[string]any) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(canonicalText)
	// A document may define several operations; the name selects which one
	// this plan is for.
	_, _ = digest.WriteString(op.Name)
	_, _ = digest.Write([]byte{0})

	var version [8]byte
	binary.BigEndian.PutUint64(version[:], p.schema.Version)
	_, _ = digest.Write(version[:])

	for _, name := range planner.ConditionalVariables(doc, op) {
		_, _ = digest.WriteString(name)
		value, _ := json.Marshal(variables[name])
		_, _ = digest.Write(value)
	}
	return digest.Sum64()
}

// Close releases the plan cache. The planner must not be used afterwards.
func (p *OperationPlanner) Close() {
	if p.planCache != nil {
		p.planCache.Close()
	}
}
