package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ErrNoComposedSchema means no composition has ever succeeded: the gateway
// has no schema to serve at all. Distinct from any per-request failure.
var ErrNoComposedSchema = errors.New("no composed schema is available")

// FetchError reports the failure of a single downstream fetch. It is scoped
// to the failing node's response paths; siblings and independent nodes
// proceed unaffected.
type FetchError struct {
	ServiceName string
	StatusCode  int
	// DownstreamErrors carries the error list returned by the service, if
	// the failure was reported at the GraphQL level.
	DownstreamErrors []GraphQLError
	Err              error
}

func (e *FetchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "service %q: fetch failed", e.ServiceName)
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		fmt.Fprintf(&sb, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %s", e.Err)
	}
	for _, downstream := range e.DownstreamErrors {
		fmt.Fprintf(&sb, ": %s", downstream.Message)
	}
	return sb.String()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// writeResponse writes a GraphQL response with the given status code.
func writeResponse(w http.ResponseWriter, statusCode int, response *GraphQLResponse, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("error writing response", zap.Error(err))
	}
}

// writeRequestErrors writes a data-less error response, used for request
// failures that happen before execution starts.
func writeRequestErrors(w http.ResponseWriter, statusCode int, messages []string, logger *zap.Logger) {
	response := &GraphQLResponse{}
	for _, message := range messages {
		response.Errors = append(response.Errors, GraphQLError{Message: message})
	}
	writeResponse(w, statusCode, response, logger)
}
