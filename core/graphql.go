package core

import (
	"github.com/goccy/go-json"
)

// GraphQLRequest is the payload of one incoming client request.
type GraphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName,omitempty"`
	Variables     map[string]any  `json:"variables,omitempty"`
	Extensions    json.RawMessage `json:"extensions,omitempty"`
}

// GraphQLError is a single entry of a response error list.
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLResponse is the stitched response returned to the client. Data is
// always present, null when nothing could be resolved.
type GraphQLResponse struct {
	Data       any            `json:"data"`
	Errors     []GraphQLError `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func errorPath(segments []string) []any {
	if len(segments) == 0 {
		return nil
	}
	path := make([]any, len(segments))
	for i, seg := range segments {
		path[i] = seg
	}
	return path
}
