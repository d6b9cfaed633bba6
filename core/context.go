package core

import (
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// RequestContext is the per-request state shared with transport hooks. It is
// exclusively owned by one in-flight request and safe for concurrent use by
// the hooks of parallel fetches.
type RequestContext struct {
	request *http.Request
	logger  *zap.Logger

	mu     sync.RWMutex
	values map[string]any
}

func newRequestContext(r *http.Request, logger *zap.Logger) *RequestContext {
	return &RequestContext{
		request: r,
		logger:  logger,
	}
}

// Request returns the originating client request. Nil when execution was not
// started by an HTTP request.
func (c *RequestContext) Request() *http.Request {
	return c.request
}

func (c *RequestContext) Logger() *zap.Logger {
	return c.logger
}

// Set stores a value shared across all hooks of this request.
func (c *RequestContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

func (c *RequestContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.values[key]
	return value, ok
}

// executionContext holds the mutable state of one plan execution: the
// response-merge buffer and the collected errors. Created at the start of
// execution, discarded at the end, never shared across requests.
type executionContext struct {
	requestContext *RequestContext
	variables      map[string]any

	mu         sync.Mutex
	data       map[string]any
	errors     []GraphQLError
	extensions []byte
}

func newExecutionContext(reqCtx *RequestContext, variables map[string]any) *executionContext {
	return &executionContext{
		requestContext: reqCtx,
		variables:      variables,
		data:           make(map[string]any),
	}
}

func (e *executionContext) addError(err GraphQLError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, err)
}

// variablesFor selects the values a fetch node forwards downstream.
func (e *executionContext) variablesFor(names []string) map[string]any {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		if value, ok := e.variables[name]; ok {
			out[name] = value
		}
	}
	return out
}
