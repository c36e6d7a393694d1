package flow

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

const maxListLimit = 500

// HandleGetFlow loads a flow schema and returns it as JSON.
func (s *Service) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Getting flow", "id", id)

	if s.flows == nil {
		writeError(w, http.StatusServiceUnavailable, "flow storage not configured")
		return
	}
	schema, err := s.flows.GetFlow(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get flow", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if schema == nil {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

// HandleGetRun returns a run, preferring the live engine state over history.
func (s *Service) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if run, ok := s.engine.LookupRun(id); ok {
		writeJSON(w, http.StatusOK, run.Snapshot())
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	snap, err := s.history.GetRun(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleListRuns returns the recorded runs of a flow, newest first.
func (s *Service) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit is invalid")
			return
		}
		limit = n
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "run history not configured")
		return
	}
	runs, err := s.history.ListRuns(r.Context(), id, limit)
	if err != nil {
		slog.Error("Failed to list runs", "flow_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// HandleEngineStatus returns the engine counters.
func (s *Service) HandleEngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
