package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/benjaminjkraft/apollo-server/internal/persistedquery"
)

// SubgraphRequest is the structured payload of one downstream fetch. Hooks
// may mutate it before it is sent.
type SubgraphRequest struct {
	Query         string
	OperationName string
	Variables     map[string]any
	Header        http.Header
}

// SubgraphResponse is a downstream response before merging. Hooks may mutate
// or replace it before the executor consumes it.
type SubgraphResponse struct {
	StatusCode int
	Data       json.RawMessage `json:"data"`
	Errors     []GraphQLError  `json:"errors"`
	Extensions json.RawMessage `json:"extensions"`
}

// PreSendHandler runs before a request is sent. It may mutate the outgoing
// request and the shared request context, and may perform further I/O.
type PreSendHandler func(ctx context.Context, req *SubgraphRequest, reqCtx *RequestContext) error

// PostReceiveHandler runs after a response is received and before it is
// merged. Returning a response replaces the received one.
type PostReceiveHandler func(ctx context.Context, req *SubgraphRequest, resp *SubgraphResponse, reqCtx *RequestContext) (*SubgraphResponse, error)

// Transport is the per-service request/response channel a fetch node runs
// over.
type Transport interface {
	// ServiceName identifies the implementing service this transport
	// reaches.
	ServiceName() string
	Send(ctx context.Context, req *SubgraphRequest, reqCtx *RequestContext) (*SubgraphResponse, error)
}

type subgraphPayload struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// HTTPTransportOptions configures the default transport of one service.
type HTTPTransportOptions struct {
	ServiceName string
	URL         string
	// Header is sent with every operation request.
	Header     http.Header
	HTTPClient *http.Client
	Logger     *zap.Logger

	// PersistedQueries enables hash-first persisted-query negotiation using
	// the given registry. Nil disables the negotiation.
	PersistedQueries *persistedquery.Registry

	PreSend     []PreSendHandler
	PostReceive []PostReceiveHandler
}

// HTTPTransport is the default Transport: an HTTP POST carrying
// {query, variables, operationName}, with optional persisted-query
// negotiation substituting a content hash for the operation text.
type HTTPTransport struct {
	serviceName string
	url         string
	header      http.Header
	httpClient  *http.Client
	logger      *zap.Logger
	persisted   *persistedquery.Registry
	preSend     []PreSendHandler
	postReceive []PostReceiveHandler
}

func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{
		serviceName: opts.ServiceName,
		url:         opts.URL,
		header:      opts.Header,
		httpClient:  client,
		logger:      logger,
		persisted:   opts.PersistedQueries,
		preSend:     opts.PreSend,
		postReceive: opts.PostReceive,
	}
}

func (t *HTTPTransport) ServiceName() string {
	return t.serviceName
}

func (t *HTTPTransport) Send(ctx context.Context, req *SubgraphRequest, reqCtx *RequestContext) (*SubgraphResponse, error) {
	ctx, span := otel.Tracer("gateway").Start(ctx, "subgraph.send")
	defer span.End()

	for _, handler := range t.preSend {
		if err := handler(ctx, req, reqCtx); err != nil {
			return nil, &FetchError{ServiceName: t.serviceName, Err: fmt.Errorf("pre-send hook: %w", err)}
		}
	}

	resp, err := t.send(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, handler := range t.postReceive {
		replaced, err := handler(ctx, req, resp, reqCtx)
		if err != nil {
			return nil, &FetchError{ServiceName: t.serviceName, Err: fmt.Errorf("post-receive hook: %w", err)}
		}
		if replaced != nil {
			resp = replaced
		}
	}
	return resp, nil
}

func (t *HTTPTransport) send(ctx context.Context, req *SubgraphRequest) (*SubgraphResponse, error) {
	if t.persisted == nil {
		return t.post(ctx, subgraphPayload{
			Query:         req.Query,
			OperationName: req.OperationName,
			Variables:     req.Variables,
		}, req.Header)
	}

	hash := persistedquery.Hash(req.Query)
	payload := subgraphPayload{
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Extensions: map[string]any{
			"persistedQuery": persistedquery.Extension{
				Version:    persistedquery.Version,
				Sha256Hash: hash,
			},
		},
	}

	// The first attempt is always hash-only; the full text goes out only when
	// the service reports the hash unknown.
	resp, err := t.post(ctx, payload, req.Header)
	if err != nil {
		return nil, err
	}
	if !persistedQueryNotFound(resp.Errors) {
		t.persisted.MarkRegistered(hash)
		return resp, nil
	}

	// The service has not seen the hash: retry exactly once with the full
	// operation text. A second failure of the same kind is a normal fetch
	// failure handled by the caller.
	t.persisted.MarkUnregistered(hash)
	t.logger.Debug("persisted query not found, retrying with full operation",
		zap.String("subgraph", t.serviceName), zap.String("sha256Hash", hash))

	payload.Query = req.Query
	resp, err = t.post(ctx, payload, req.Header)
	if err != nil {
		return nil, err
	}
	if !persistedQueryNotFound(resp.Errors) {
		t.persisted.MarkRegistered(hash)
	}
	return resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, payload subgraphPayload, header http.Header) (*SubgraphResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &FetchError{ServiceName: t.serviceName, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{ServiceName: t.serviceName, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range t.header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	for key, values := range header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &FetchError{ServiceName: t.serviceName, Err: err}
	}
	defer httpResp.Body.Close()

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &FetchError{ServiceName: t.serviceName, StatusCode: httpResp.StatusCode, Err: err}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &FetchError{ServiceName: t.serviceName, StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("unexpected response status")}
	}

	resp := &SubgraphResponse{StatusCode: httpResp.StatusCode}
	if err := json.Unmarshal(responseBody, resp); err != nil {
		return nil, &FetchError{ServiceName: t.serviceName, StatusCode: httpResp.StatusCode,
			Err: fmt.Errorf("malformed response body: %w", err)}
	}
	return resp, nil
}

func persistedQueryNotFound(errs []GraphQLError) bool {
	for _, e := range errs {
		if code, ok := e.Extensions["code"].(string); ok && code == persistedquery.NotFoundCode {
			return true
		}
		if e.Message == "PersistedQueryNotFound" {
			return true
		}
	}
	return false
}

// sdlQuery asks an implementing service for its schema document.
const sdlQuery = `{ _service { sdl } }`

// introspectionHeader distinguishes schema-fetch requests from operation
// traffic.
const introspectionHeader = "X-Gateway-Introspection"

// FetchServiceSDL retrieves a service's schema document by sending an
// introspection-style request with a distinguished header set, separate from
// the headers used for operation requests.
func FetchServiceSDL(ctx context.Context, client *http.Client, url string, header http.Header) (string, error) {
	body, err := json.Marshal(subgraphPayload{Query: sdlQuery})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(introspectionHeader, "true")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("schema fetch returned status %d", resp.StatusCode)
	}
	sdl := gjson.GetBytes(responseBody, "data._service.sdl")
	if !sdl.Exists() {
		return "", fmt.Errorf("schema fetch response carries no sdl")
	}
	return sdl.String(), nil
}
