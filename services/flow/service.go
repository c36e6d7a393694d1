package flow

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
)

// FlowStore loads flow schemas.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*FlowSchema, error)
}

// RunHistory reads persisted runs.
type RunHistory interface {
	GetRun(ctx context.Context, id string) (*RunSnapshot, error)
	ListRuns(ctx context.Context, flowID string, limit int) ([]RunSnapshot, error)
}

// Service exposes read-only views of flows, runs and the engine over HTTP.
// flows and history are optional; without them only live runs and engine
// status are served.
type Service struct {
	engine  *Engine
	flows   FlowStore
	history RunHistory
}

// NewService creates a Service. flows and history may be nil.
func NewService(engine *Engine, flows FlowStore, history RunHistory) *Service {
	return &Service{engine: engine, flows: flows, history: history}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers the HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	parentRouter.Use(jsonMiddleware)

	flows := parentRouter.PathPrefix("/flows").Subrouter()
	flows.StrictSlash(false)
	flows.HandleFunc("/{id}", s.HandleGetFlow).Methods(http.MethodGet)
	flows.HandleFunc("/{id}/runs", s.HandleListRuns).Methods(http.MethodGet)

	parentRouter.HandleFunc("/runs/{id}", s.HandleGetRun).Methods(http.MethodGet)
	parentRouter.HandleFunc("/engine/status", s.HandleEngineStatus).Methods(http.MethodGet)
}
