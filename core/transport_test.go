package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benjaminjkraft/apollo-server/internal/persistedquery"
)

type capturedRequest struct {
	payload subgraphPayload
	header  http.Header
}

// captureServer records every request body and responds with the queued
// responses in order, repeating the last one.
func captureServer(t *testing.T, responses ...*GraphQLResponse) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload subgraphPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		captured = append(captured, capturedRequest{payload: payload, header: r.Header.Clone()})

		response := responses[len(responses)-1]
		if len(captured) <= len(responses) {
			response = responses[len(captured)-1]
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
	t.Cleanup(server.Close)
	return server, &captured
}

func okResponse() *GraphQLResponse {
	return &GraphQLResponse{Data: map[string]any{"me": map[string]any{"name": "Ada"}}}
}

func notFoundResponse() *GraphQLResponse {
	return &GraphQLResponse{Errors: []GraphQLError{{
		Message:    "PersistedQueryNotFound",
		Extensions: map[string]any{"code": persistedquery.NotFoundCode},
	}}}
}

func TestTransportSendsOperationPayload(t *testing.T) {
	server, captured := captureServer(t, okResponse())
	transport := NewHTTPTransport(HTTPTransportOptions{
		ServiceName: "accounts",
		URL:         server.URL,
		Header:      http.Header{"X-Tenant": []string{"acme"}},
	})

	resp, err := transport.Send(context.Background(), &SubgraphRequest{
		Query:         `{ me { name } }`,
		OperationName: "Me",
		Variables:     map[string]any{"first": 5},
	}, newRequestContext(nil, zap.NewNop()))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, *captured, 1)
	sent := (*captured)[0]
	require.Equal(t, `{ me { name } }`, sent.payload.Query)
	require.Equal(t, "Me", sent.payload.OperationName)
	require.Equal(t, "acme", sent.header.Get("X-Tenant"))
	require.Equal(t, "application/json", sent.header.Get("Content-Type"))
}

func TestTransportHooks(t *testing.T) {
	t.Run("pre-send mutates the outgoing request", func(t *testing.T) {
		server, captured := captureServer(t, okResponse())
		transport := NewHTTPTransport(HTTPTransportOptions{
			ServiceName: "accounts",
			URL:         server.URL,
			PreSend: []PreSendHandler{
				func(ctx context.Context, req *SubgraphRequest, reqCtx *RequestContext) error {
					req.Header.Set("Authorization", "Bearer token")
					reqCtx.Set("audit", true)
					return nil
				},
			},
		})

		reqCtx := newRequestContext(nil, zap.NewNop())
		_, err := transport.Send(context.Background(), &SubgraphRequest{
			Query:  `{ me { name } }`,
			Header: make(http.Header),
		}, reqCtx)
		require.NoError(t, err)
		require.Equal(t, "Bearer token", (*captured)[0].header.Get("Authorization"))

		audited, ok := reqCtx.Get("audit")
		require.True(t, ok)
		require.Equal(t, true, audited)
	})

	t.Run("post-receive replaces the response", func(t *testing.T) {
		server, _ := captureServer(t, okResponse())
		transport := NewHTTPTransport(HTTPTransportOptions{
			ServiceName: "accounts",
			URL:         server.URL,
			PostReceive: []PostReceiveHandler{
				func(ctx context.Context, req *SubgraphRequest, resp *SubgraphResponse, reqCtx *RequestContext) (*SubgraphResponse, error) {
					return &SubgraphResponse{
						StatusCode: resp.StatusCode,
						Data:       json.RawMessage(`{"me":null}`),
					}, nil
				},
			},
		})

		resp, err := transport.Send(context.Background(), &SubgraphRequest{Query: `{ me { name } }`},
			newRequestContext(nil, zap.NewNop()))
		require.NoError(t, err)
		require.JSONEq(t, `{"me":null}`, string(resp.Data))
	})

	t.Run("pre-send error aborts without sending", func(t *testing.T) {
		server, captured := captureServer(t, okResponse())
		transport := NewHTTPTransport(HTTPTransportOptions{
			ServiceName: "accounts",
			URL:         server.URL,
			PreSend: []PreSendHandler{
				func(ctx context.Context, req *SubgraphRequest, reqCtx *RequestContext) error {
					return context.DeadlineExceeded
				},
			},
		})

		_, err := transport.Send(context.Background(), &SubgraphRequest{Query: `{ me { name } }`},
			newRequestContext(nil, zap.NewNop()))
		var fetchErr *FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Equal(t, "accounts", fetchErr.ServiceName)
		require.Empty(t, *captured)
	})
}

func TestTransportPersistedQueries(t *testing.T) {
	registry, err := persistedquery.NewRegistry(16)
	require.NoError(t, err)
	defer registry.Close()

	// The double registers hashes the way an implementing service would:
	// an unknown hash misses, a full-text request registers it.
	server, captured := captureServer(t, notFoundResponse(), okResponse(), okResponse())
	transport := NewHTTPTransport(HTTPTransportOptions{
		ServiceName:      "accounts",
		URL:              server.URL,
		PersistedQueries: registry,
	})

	query := `{ me { name } }`
	hash := persistedquery.Hash(query)
	reqCtx := newRequestContext(nil, zap.NewNop())

	// First send: hash-only attempt misses, the single retry carries the
	// full text alongside the extension and registers the hash.
	_, err = transport.Send(context.Background(), &SubgraphRequest{Query: query}, reqCtx)
	require.NoError(t, err)
	require.Len(t, *captured, 2)
	first := (*captured)[0].payload
	require.Empty(t, first.Query, "first attempt is hash-only")
	requirePersistedQueryExtension(t, first, hash)
	retry := (*captured)[1].payload
	require.Equal(t, query, retry.Query)
	requirePersistedQueryExtension(t, retry, hash)
	registry.Wait()
	require.True(t, registry.Registered(hash))

	// Second send: the service knows the hash, one hash-only request suffices.
	_, err = transport.Send(context.Background(), &SubgraphRequest{Query: query}, reqCtx)
	require.NoError(t, err)
	require.Len(t, *captured, 3)
	second := (*captured)[2].payload
	require.Empty(t, second.Query)
	requirePersistedQueryExtension(t, second, hash)
}

func TestTransportPersistedQueryNotFoundRetriesOnce(t *testing.T) {
	registry, err := persistedquery.NewRegistry(16)
	require.NoError(t, err)
	defer registry.Close()

	query := `{ me { name } }`

	t.Run("retry with full text succeeds", func(t *testing.T) {
		server, captured := captureServer(t, notFoundResponse(), okResponse())
		transport := NewHTTPTransport(HTTPTransportOptions{
			ServiceName:      "accounts",
			URL:              server.URL,
			PersistedQueries: registry,
		})

		resp, err := transport.Send(context.Background(), &SubgraphRequest{Query: query},
			newRequestContext(nil, zap.NewNop()))
		require.NoError(t, err)
		require.Empty(t, resp.Errors)

		require.Len(t, *captured, 2)
		require.Empty(t, (*captured)[0].payload.Query, "first attempt is hash-only")
		require.Equal(t, query, (*captured)[1].payload.Query, "retry carries the full text")
	})

	t.Run("second not-found is returned, not retried again", func(t *testing.T) {
		server, captured := captureServer(t, notFoundResponse(), notFoundResponse())
		transport := NewHTTPTransport(HTTPTransportOptions{
			ServiceName:      "accounts",
			URL:              server.URL,
			PersistedQueries: registry,
		})

		resp, err := transport.Send(context.Background(), &SubgraphRequest{Query: query},
			newRequestContext(nil, zap.NewNop()))
		require.NoError(t, err)
		require.Len(t, *captured, 2, "exactly one retry")
		require.NotEmpty(t, resp.Errors)
	})
}

func requirePersistedQueryExtension(t *testing.T, payload subgraphPayload, hash string) {
	t.Helper()
	raw, ok := payload.Extensions["persistedQuery"]
	require.True(t, ok, "payload carries no persistedQuery extension")
	ext := raw.(map[string]any)
	require.EqualValues(t, persistedquery.Version, ext["version"])
	require.Equal(t, hash, ext["sha256Hash"])
}

func TestFetchServiceSDL(t *testing.T) {
	const sdl = `type Query { me: User } type User { id: ID! }`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.Header.Get("X-Gateway-Introspection"))
		require.Equal(t, "acme", r.Header.Get("X-Tenant"))

		var payload subgraphPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Contains(t, payload.Query, "_service")

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"_service": map[string]any{"sdl": sdl}},
		}))
	}))
	t.Cleanup(server.Close)

	got, err := FetchServiceSDL(context.Background(), http.DefaultClient, server.URL,
		http.Header{"X-Tenant": []string{"acme"}})
	require.NoError(t, err)
	require.Equal(t, sdl, got)
}

func TestFetchServiceSDLMissingSDL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	t.Cleanup(server.Close)

	_, err := FetchServiceSDL(context.Background(), http.DefaultClient, server.URL, nil)
	require.ErrorContains(t, err, "no sdl")
}
