package core

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/formatter"
	"go.uber.org/zap"

	"github.com/benjaminjkraft/apollo-server/internal/planner"
	"github.com/benjaminjkraft/apollo-server/pkg/logging"
)

// GraphQLHandler serves the gateway's operation endpoint. Each request runs
// against the graph snapshot that is active when the request arrives.
type GraphQLHandler struct {
	gateway *Gateway
	logger  *zap.Logger
}

func NewGraphQLHandler(gateway *Gateway, logger *zap.Logger) *GraphQLHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphQLHandler{
		gateway: gateway,
		logger:  logger,
	}
}

func (h *GraphQLHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestLogger := h.logger.With(logging.WithRequestID(middleware.GetReqID(r.Context())))

	snapshot, err := h.gateway.currentSnapshot()
	if err != nil {
		if errors.Is(err, ErrNoComposedSchema) {
			writeRequestErrors(w, http.StatusServiceUnavailable,
				[]string{"no composed schema is available yet"}, requestLogger)
			return
		}
		writeRequestErrors(w, http.StatusInternalServerError, []string{err.Error()}, requestLogger)
		return
	}

	var request GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeRequestErrors(w, http.StatusBadRequest,
			[]string{"could not decode request body"}, requestLogger)
		return
	}
	if request.Query == "" {
		writeRequestErrors(w, http.StatusBadRequest, []string{"no query provided"}, requestLogger)
		return
	}

	doc, listErr := gqlparser.LoadQuery(snapshot.schema.Schema, request.Query)
	if len(listErr) > 0 {
		messages := make([]string, 0, len(listErr))
		for _, gqlErr := range listErr {
			messages = append(messages, gqlErr.Message)
		}
		writeRequestErrors(w, http.StatusBadRequest, messages, requestLogger)
		return
	}

	op := doc.Operations.ForName(request.OperationName)
	if op == nil {
		if request.OperationName == "" {
			writeRequestErrors(w, http.StatusBadRequest,
				[]string{"operationName is required for documents with multiple operations"}, requestLogger)
		} else {
			writeRequestErrors(w, http.StatusBadRequest,
				[]string{"operation " + request.OperationName + " not found in document"}, requestLogger)
		}
		return
	}

	// The formatted document is the cache-facing identity of the request:
	// whitespace and comment differences collapse onto one plan.
	var canonical bytes.Buffer
	formatter.NewFormatter(&canonical).FormatQueryDocument(doc)

	plan, err := snapshot.planner.Plan(doc, op, canonical.String(), request.Variables)
	if err != nil {
		var planErr *planner.PlanningError
		if errors.As(err, &planErr) {
			writeRequestErrors(w, http.StatusBadRequest, []string{planErr.Error()}, requestLogger)
			return
		}
		requestLogger.Error("planning failed", zap.Error(err))
		writeRequestErrors(w, http.StatusInternalServerError,
			[]string{"could not plan operation"}, requestLogger)
		return
	}

	reqCtx := newRequestContext(r, requestLogger)
	execCtx := newExecutionContext(reqCtx, request.Variables)
	if err := snapshot.executor.Execute(r.Context(), execCtx, plan); err != nil {
		// Only cancellation aborts execution; partial results are
		// discarded rather than stitched.
		requestLogger.Debug("execution aborted", zap.Error(err))
		writeRequestErrors(w, http.StatusGatewayTimeout, []string{"execution aborted"}, requestLogger)
		return
	}

	response := &GraphQLResponse{
		Data:   shapeResponseData(snapshot.schema.Schema, doc, request.Variables, op.SelectionSet, execCtx.data),
		Errors: execCtx.errors,
	}
	if len(execCtx.extensions) > 0 {
		if err := json.Unmarshal(execCtx.extensions, &response.Extensions); err != nil {
			requestLogger.Warn("discarding malformed downstream extensions", zap.Error(err))
		}
	}
	writeResponse(w, http.StatusOK, response, requestLogger)
}

// NewRouter assembles the gateway's HTTP surface: the operation endpoint
// and a liveness probe.
func NewRouter(gateway *Gateway, logger *zap.Logger) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := gateway.Schema(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/graphql", NewGraphQLHandler(gateway, logger))

	return router
}
