// Package persistedquery implements the client side of automatic
// persisted-query negotiation: operations are addressed by content hash, and
// the full text is sent only when a service reports the hash as unknown.
package persistedquery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Version is the persistedQuery protocol version carried in the request
// extension.
const Version = 1

// NotFoundCode is the error code a service returns when it has not seen the
// hash before. The sender must retry exactly once with the full text.
const NotFoundCode = "PERSISTED_QUERY_NOT_FOUND"

// Extension is the request extension substituting a content hash for the
// operation text.
type Extension struct {
	Version    int    `json:"version"`
	Sha256Hash string `json:"sha256Hash"`
}

// Hash returns the content hash identifying an operation.
func Hash(operation string) string {
	sum := sha256.Sum256([]byte(operation))
	return hex.EncodeToString(sum[:])
}

// Registry tracks which operation hashes a single service is known to have
// registered. The state is advisory: requests always open hash-only, and a
// stale or evicted entry costs at most one full-text retry.
type Registry struct {
	cache *ristretto.Cache[string, bool]
}

// NewRegistry creates a registry retaining at most maxEntries hashes.
func NewRegistry(maxEntries int64) (*Registry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, bool]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing persisted query registry: %w", err)
	}
	return &Registry{cache: cache}, nil
}

// Registered reports whether the service is known to have the hash.
func (r *Registry) Registered(hash string) bool {
	known, _ := r.cache.Get(hash)
	return known
}

// MarkRegistered records that the service accepted the hash.
func (r *Registry) MarkRegistered(hash string) {
	r.cache.Set(hash, true, 1)
}

// MarkUnregistered records that the service reported the hash unknown.
func (r *Registry) MarkUnregistered(hash string) {
	r.cache.Del(hash)
}

// Wait blocks until pending registry updates are applied.
func (r *Registry) Wait() {
	r.cache.Wait()
}

func (r *Registry) Close() {
	r.cache.Close()
}
