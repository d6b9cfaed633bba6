package core

import (
	"net/http"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/benjaminjkraft/apollo-server/internal/composition"
	"github.com/benjaminjkraft/apollo-server/internal/persistedquery"
)

// graphSnapshot bundles everything derived from one successful composition:
// the composed schema, the planner with its plan cache, the executor, and
// the per-service transports. Requests hold one snapshot for their whole
// lifetime, so a schema swap mid-request cannot mix versions.
type graphSnapshot struct {
	schema   *composition.ComposedSchema
	planner  *OperationPlanner
	executor *FetchExecutor
}

// GatewayOptions configures a Gateway. Only Logger is optional.
type GatewayOptions struct {
	Logger *zap.Logger

	// PlanCacheSize bounds the per-schema plan cache in bytes. Zero
	// disables plan caching.
	PlanCacheSize int64

	// HTTPClient is shared by every service transport.
	HTTPClient *http.Client

	// ServiceHeaders are sent with every request to the named service.
	ServiceHeaders map[string]http.Header

	// PersistedQueries enables hash-first persisted-query negotiation
	// toward the services, with a registry of the given size per service.
	PersistedQueries           bool
	PersistedQueryRegistrySize int64

	PreSend     []PreSendHandler
	PostReceive []PostReceiveHandler
}

// Gateway holds the active graph snapshot and swaps it atomically when the
// service definitions change. In-flight requests keep executing against the
// snapshot they started with; a failed update leaves the active snapshot
// untouched.
type Gateway struct {
	logger  *zap.Logger
	options GatewayOptions

	snapshot atomic.Pointer[graphSnapshot]
	version  atomic.Uint64

	// registries survive snapshot swaps: a schema change does not forget
	// which hashes each service has seen.
	registriesMu sync.Mutex
	registries   map[string]*persistedquery.Registry
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.PersistedQueryRegistrySize <= 0 {
		opts.PersistedQueryRegistrySize = 1024
	}
	return &Gateway{
		logger:     opts.Logger,
		options:    opts,
		registries: make(map[string]*persistedquery.Registry),
	}
}

// UpdateServiceDefinitions composes the given definitions and, on success,
// swaps the result in as the active snapshot. On a composition failure the
// previous snapshot stays active and the error lists every problem found.
func (g *Gateway) UpdateServiceDefinitions(defs []composition.ServiceDefinition) error {
	version := g.version.Inc()

	composed, err := composition.Compose(defs, version)
	if err != nil {
		g.logger.Error("service definition update rejected",
			zap.Uint64("schemaVersion", version), zap.Error(err))
		return err
	}

	planner, err := NewOperationPlanner(composed, g.options.PlanCacheSize, g.logger)
	if err != nil {
		return err
	}

	transports := make(map[string]Transport, len(composed.Services))
	for _, svc := range composed.Services {
		transports[svc.Name] = NewHTTPTransport(HTTPTransportOptions{
			ServiceName:      svc.Name,
			URL:              svc.URL,
			Header:           g.options.ServiceHeaders[svc.Name],
			HTTPClient:       g.options.HTTPClient,
			Logger:           g.logger,
			PersistedQueries: g.registryFor(svc.Name),
			PreSend:          g.options.PreSend,
			PostReceive:      g.options.PostReceive,
		})
	}

	next := &graphSnapshot{
		schema:   composed,
		planner:  planner,
		executor: NewFetchExecutor(transports, g.logger),
	}
	previous := g.snapshot.Swap(next)
	if previous != nil {
		// Requests started on the old snapshot still hold it; the plan
		// cache close is safe against in-flight reads.
		previous.planner.Close()
	}

	g.logger.Info("composed schema activated",
		zap.Uint64("schemaVersion", version),
		zap.Int("services", len(composed.Services)),
		zap.Int("entities", len(composed.Entities)))
	return nil
}

// registryFor returns the persisted-query registry of a service, creating
// it on first use. Nil when persisted queries are disabled.
func (g *Gateway) registryFor(serviceName string) *persistedquery.Registry {
	if !g.options.PersistedQueries {
		return nil
	}
	g.registriesMu.Lock()
	defer g.registriesMu.Unlock()
	if registry, ok := g.registries[serviceName]; ok {
		return registry
	}
	registry, err := persistedquery.NewRegistry(g.options.PersistedQueryRegistrySize)
	if err != nil {
		g.logger.Warn("persisted query registry disabled for service",
			zap.String("subgraph", serviceName), zap.Error(err))
		return nil
	}
	g.registries[serviceName] = registry
	return registry
}

// currentSnapshot returns the active snapshot, or ErrNoComposedSchema when
// no composition has ever succeeded.
func (g *Gateway) currentSnapshot() (*graphSnapshot, error) {
	snapshot := g.snapshot.Load()
	if snapshot == nil {
		return nil, ErrNoComposedSchema
	}
	return snapshot, nil
}

// Schema returns the active composed schema, or ErrNoComposedSchema.
func (g *Gateway) Schema() (*composition.ComposedSchema, error) {
	snapshot, err := g.currentSnapshot()
	if err != nil {
		return nil, err
	}
	return snapshot.schema, nil
}

// Close releases the active snapshot's caches and every persisted-query
// registry.
func (g *Gateway) Close() {
	if snapshot := g.snapshot.Swap(nil); snapshot != nil {
		snapshot.planner.Close()
	}
	g.registriesMu.Lock()
	defer g.registriesMu.Unlock()
	for _, registry := range g.registries {
		registry.Close()
	}
	g.registries = nil
}
