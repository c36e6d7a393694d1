package flow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFlows implements FlowStore without a database.
type stubFlows struct {
	schema *FlowSchema
	err    error
}

func (s *stubFlows) GetFlow(_ context.Context, _ string) (*FlowSchema, error) {
	return s.schema, s.err
}

// stubHistory implements RunHistory without a database.
type stubHistory struct {
	run       *RunSnapshot
	runs      []RunSnapshot
	err       error
	lastLimit int
}

func (s *stubHistory) GetRun(_ context.Context, _ string) (*RunSnapshot, error) {
	return s.run, s.err
}

func (s *stubHistory) ListRuns(_ context.Context, _ string, limit int) ([]RunSnapshot, error) {
	s.lastLimit = limit
	return s.runs, s.err
}

func setupRouter(svc *Service) *mux.Router {
	router := mux.NewRouter()
	svc.LoadRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func serve(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body["message"]
}

func TestHandleGetFlow_Success(t *testing.T) {
	e := newTestEngine(t, Config{})
	router := setupRouter(NewService(e, &stubFlows{schema: SampleFlow()}, nil))

	w := serve(t, router, "/api/v1/flows/"+SampleFlowID)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var result FlowSchema
	require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, SampleFlowID, result.ID)
	assert.Len(t, result.Nodes, 4)
	assert.Len(t, result.Edges, 4)
}

func TestHandleGetFlow_Errors(t *testing.T) {
	tests := []struct {
		name    string
		flows   FlowStore
		code    int
		message string
	}{
		{"not found", &stubFlows{}, http.StatusNotFound, "flow not found"},
		{"store error", &stubFlows{err: errors.New("connection reset")}, http.StatusInternalServerError, "internal server error"},
		{"no store", nil, http.StatusServiceUnavailable, "flow storage not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{})
			router := setupRouter(NewService(e, tt.flows, nil))

			w := serve(t, router, "/api/v1/flows/missing")

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.message, decodeMessage(t, w))
		})
	}
}

func TestHandleGetRun_LiveRun(t *testing.T) {
	e := NewEngine(Config{Logger: quietLogger()})
	run, err := e.Execute(linearFlow(), trigger(1), nil, ExecuteOptions{})
	require.NoError(t, err)
	history := &stubHistory{err: errors.New("must not be called")}
	router := setupRouter(NewService(e, nil, history))

	w := serve(t, router, "/api/v1/runs/"+run.ID)

	assert.Equal(t, http.StatusOK, w.Code)
	var snap RunSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, run.ID, snap.ID)
	assert.Equal(t, RunPending, snap.Status)
}

func TestHandleGetRun_JustFinished(t *testing.T) {
	e := newTestEngine(t, Config{})
	snap, err := e.ExecuteAndWait(context.Background(), linearFlow(), trigger(7), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, snap.Status)
	history := &stubHistory{err: errors.New("not recorded yet")}
	router := setupRouter(NewService(e, nil, history))

	w := serve(t, router, "/api/v1/runs/"+snap.ID)

	assert.Equal(t, http.StatusOK, w.Code)
	var got RunSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, RunCompleted, got.Status)
}

func TestHandleGetRun_FromHistory(t *testing.T) {
	e := newTestEngine(t, Config{})
	stored := &RunSnapshot{ID: "old-run", FlowID: "f1", Status: RunCompleted}
	router := setupRouter(NewService(e, nil, &stubHistory{run: stored}))

	w := serve(t, router, "/api/v1/runs/old-run")

	assert.Equal(t, http.StatusOK, w.Code)
	var snap RunSnapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, "old-run", snap.ID)
	assert.Equal(t, RunCompleted, snap.Status)
}

func TestHandleGetRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		history RunHistory
		code    int
		message string
	}{
		{"no history", nil, http.StatusNotFound, "run not found"},
		{"not recorded", &stubHistory{}, http.StatusNotFound, "run not found"},
		{"history error", &stubHistory{err: errors.New("timeout")}, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{})
			router := setupRouter(NewService(e, nil, tt.history))

			w := serve(t, router, "/api/v1/runs/unknown")

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.message, decodeMessage(t, w))
		})
	}
}

func TestHandleListRuns(t *testing.T) {
	e := newTestEngine(t, Config{})
	history := &stubHistory{runs: []RunSnapshot{
		{ID: "r2", FlowID: "f1", Status: RunFailed},
		{ID: "r1", FlowID: "f1", Status: RunCompleted},
	}}
	router := setupRouter(NewService(e, nil, history))

	w := serve(t, router, "/api/v1/flows/f1/runs?limit=10")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, history.lastLimit)
	var body struct {
		Runs  []RunSnapshot `json:"runs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "r2", body.Runs[0].ID)

	serve(t, router, "/api/v1/flows/f1/runs")
	assert.Equal(t, defaultListLimit, history.lastLimit)
}

func TestHandleListRuns_Errors(t *testing.T) {
	tests := []struct {
		name    string
		history RunHistory
		query   string
		code    int
		message string
	}{
		{"zero limit", &stubHistory{}, "?limit=0", http.StatusBadRequest, "limit is invalid"},
		{"limit too large", &stubHistory{}, "?limit=501", http.StatusBadRequest, "limit is invalid"},
		{"non numeric limit", &stubHistory{}, "?limit=ten", http.StatusBadRequest, "limit is invalid"},
		{"no history", nil, "", http.StatusServiceUnavailable, "run history not configured"},
		{"history error", &stubHistory{err: errors.New("boom")}, "", http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{})
			router := setupRouter(NewService(e, nil, tt.history))

			w := serve(t, router, "/api/v1/flows/f1/runs"+tt.query)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.message, decodeMessage(t, w))
		})
	}
}

func TestHandleEngineStatus(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.ExecuteAndWait(context.Background(), linearFlow(), trigger(1), nil, ExecuteOptions{})
	require.NoError(t, err)
	router := setupRouter(NewService(e, nil, nil))

	w := serve(t, router, "/api/v1/engine/status")

	assert.Equal(t, http.StatusOK, w.Code)
	var st Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.True(t, st.Running)
	assert.Equal(t, int64(1), st.TotalExecutions)
	assert.Equal(t, int64(1), st.SuccessfulExecutions)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	e := newTestEngine(t, Config{})
	router := setupRouter(NewService(e, nil, nil))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/engine/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
