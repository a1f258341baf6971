package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vigil/alerting"
	"vigil/analyze"
	"vigil/core"
	"vigil/storage"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router, *analyze.Analyzer) {
	return setupTestServerWithStore(t, nil)
}

func setupTestServerWithStore(t *testing.T, store storage.AlertStore) (*Server, *mux.Router, *analyze.Analyzer) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	rulesDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "rules.yaml"), []byte(`
rules:
  - name: root-failure
    type: immediate
    severity: critical
    enabled: true
    match:
      - field: event_type
        operator: eq
        value: auth.failure
`), 0o644))

	dedup := core.NewMemoryDedupCache(0)
	t.Cleanup(func() { dedup.Close() })

	analyzer := analyze.NewAnalyzer(
		analyze.DefaultOptions(),
		analyze.NewLoader(rulesDir, logger),
		alerting.NewManager(alerting.DefaultEscalationPolicy(), logger),
		nil, dedup, nil, logger)
	require.NoError(t, analyzer.ReloadRules())

	srv := NewServer(analyzer, nil, store, 100, 200, logger)
	return srv, srv.Router(), analyzer
}

// transitionRecorder captures durable lifecycle writes.
type transitionRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *transitionRecorder) record(op, alertID, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s:%s", op, alertID, actor))
	return nil
}

func (r *transitionRecorder) AcknowledgeAlert(_ context.Context, alertID, actor string) error {
	return r.record("acknowledge", alertID, actor)
}

func (r *transitionRecorder) ResolveAlert(_ context.Context, alertID, actor string) error {
	return r.record("resolve", alertID, actor)
}

func (r *transitionRecorder) CloseAlert(_ context.Context, alertID, actor string) error {
	return r.record("close", alertID, actor)
}

func postJSON(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	_, router, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestIngestEventTriggersImmediateRule(t *testing.T) {
	_, router, analyzer := setupTestServer(t)

	w := postJSON(t, router, "/api/v1/events", map[string]interface{}{
		"event_type": "auth.failure",
		"src_ip":     "10.0.0.5",
		"user":       "root",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		EventID  string                   `json:"event_id"`
		Triggers []map[string]interface{} `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.EventID, "missing event id is filled in")
	require.Len(t, resp.Triggers, 1)
	assert.Equal(t, "root-failure", resp.Triggers[0]["rule_name"])

	assert.Equal(t, 1, analyzer.Alerts().Stats().TotalCreated)
}

func TestIngestEventBadPayload(t *testing.T) {
	_, router, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListAlertsOpenFilter(t *testing.T) {
	_, router, analyzer := setupTestServer(t)

	postJSON(t, router, "/api/v1/events", map[string]interface{}{"event_type": "auth.failure"})
	require.Equal(t, 1, analyzer.Alerts().Stats().TotalCreated)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?open=true", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var alerts []*alerting.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.StatusNew, alerts[0].Status)
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	_, router, analyzer := setupTestServer(t)

	postJSON(t, router, "/api/v1/events", map[string]interface{}{"event_type": "auth.failure"})
	alerts := analyzer.Alerts().List(true)
	require.Len(t, alerts, 1)
	id := alerts[0].AlertID

	w := postJSON(t, router, "/api/v1/alerts/"+id+"/acknowledge", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code)

	var got alerting.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, alerting.StatusAcknowledged, got.Status)
	assert.Equal(t, "analyst", got.AcknowledgedBy)

	// Resolve straight from acknowledged is not a valid transition.
	w = postJSON(t, router, "/api/v1/alerts/"+id+"/resolve", map[string]string{"actor": "analyst"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(t, router, "/api/v1/alerts/"+id+"/progress", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code)
	w = postJSON(t, router, "/api/v1/alerts/"+id+"/resolve", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code)
	w = postJSON(t, router, "/api/v1/alerts/"+id+"/close", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLifecycleTransitionsReachAlertStore(t *testing.T) {
	recorder := &transitionRecorder{}
	_, router, analyzer := setupTestServerWithStore(t, recorder)

	postJSON(t, router, "/api/v1/events", map[string]interface{}{"event_type": "auth.failure"})
	alerts := analyzer.Alerts().List(true)
	require.Len(t, alerts, 1)
	id := alerts[0].AlertID

	require.Equal(t, http.StatusOK,
		postJSON(t, router, "/api/v1/alerts/"+id+"/acknowledge", map[string]string{"actor": "analyst"}).Code)
	require.Equal(t, http.StatusOK,
		postJSON(t, router, "/api/v1/alerts/"+id+"/progress", map[string]string{"actor": "analyst"}).Code)
	require.Equal(t, http.StatusOK,
		postJSON(t, router, "/api/v1/alerts/"+id+"/resolve", map[string]string{"actor": "analyst"}).Code)
	require.Equal(t, http.StatusOK,
		postJSON(t, router, "/api/v1/alerts/"+id+"/close", map[string]string{"actor": "analyst"}).Code)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, []string{
		"acknowledge:" + id + ":analyst",
		"resolve:" + id + ":analyst",
		"close:" + id + ":analyst",
	}, recorder.calls, "each durable transition is recorded exactly once")
}

func TestLifecyclePersistsOnlyAfterValidTransition(t *testing.T) {
	recorder := &transitionRecorder{}
	_, router, analyzer := setupTestServerWithStore(t, recorder)

	postJSON(t, router, "/api/v1/events", map[string]interface{}{"event_type": "auth.failure"})
	id := analyzer.Alerts().List(true)[0].AlertID

	// Resolving a brand-new alert is rejected and must not touch storage.
	w := postJSON(t, router, "/api/v1/alerts/"+id+"/resolve", map[string]string{"actor": "analyst"})
	require.Equal(t, http.StatusConflict, w.Code)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Empty(t, recorder.calls)
}

func TestLifecycleUnknownAlert(t *testing.T) {
	_, router, _ := setupTestServer(t)

	w := postJSON(t, router, "/api/v1/alerts/no-such-id/acknowledge", map[string]string{"actor": "analyst"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEscalateEndpoint(t *testing.T) {
	_, router, analyzer := setupTestServer(t)

	postJSON(t, router, "/api/v1/events", map[string]interface{}{"event_type": "auth.failure"})
	id := analyzer.Alerts().List(true)[0].AlertID

	w := postJSON(t, router, "/api/v1/alerts/"+id+"/escalate", map[string]string{"actor": "oncall"})
	require.Equal(t, http.StatusOK, w.Code)

	var got alerting.Alert
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.EscalationLevel)
	assert.Equal(t, alerting.StatusNew, got.Status, "escalation does not change workflow state")
}

func TestReloadRulesEndpoint(t *testing.T) {
	_, router, _ := setupTestServer(t)

	w := postJSON(t, router, "/api/v1/rules/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rules":1`)
}

func TestStatsEndpoint(t *testing.T) {
	_, router, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"alerts"`)
	assert.Contains(t, w.Body.String(), `"rules"`)
}

func TestListCorrelationsEmpty(t *testing.T) {
	_, router, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/correlations", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestIngestRateLimit(t *testing.T) {
	logger := zap.NewNop().Sugar()
	dedup := core.NewMemoryDedupCache(0)
	t.Cleanup(func() { dedup.Close() })

	analyzer := analyze.NewAnalyzer(
		analyze.DefaultOptions(), nil,
		alerting.NewManager(alerting.DefaultEscalationPolicy(), logger),
		nil, dedup, nil, logger)

	srv := NewServer(analyzer, nil, nil, 1, 2, logger)
	router := srv.Router()

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(`{"event_type":"x"}`))
		req.RemoteAddr = "10.1.1.1:4000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes[w.Code]++
	}

	assert.Equal(t, 2, codes[http.StatusAccepted], "burst admits exactly two requests")
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}
