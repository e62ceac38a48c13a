package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/deepresearch/internal/auth"
	"github.com/swarmguard/deepresearch/internal/config"
	taxonomy "github.com/swarmguard/deepresearch/pkg/errors"
	"github.com/swarmguard/deepresearch/pkg/eventbus"
	"github.com/swarmguard/deepresearch/pkg/flow"
	"github.com/swarmguard/deepresearch/pkg/research/model"
	"github.com/swarmguard/deepresearch/pkg/scheduler"
)

func okRunner(ctx context.Context, f *flow.Flow, progress func(float64)) (*model.ReportState, error) {
	progress(1.0)
	st := model.New(f.Topic)
	st.UpsertSection(&model.Section{Title: "Introduction", Content: "done"})
	return st, nil
}

func newTestServer(t *testing.T, maxConcurrent int) *Server {
	t.Helper()
	bus := eventbus.New()
	sched := scheduler.New(4, bus)
	mgr := flow.New(sched, bus, okRunner, maxConcurrent)
	reporter := taxonomy.NewReporter("")
	return New(mgr, reporter, auth.AllowAll{}, config.DefaultServiceConfig())
}

type deniedGate struct{}

func (deniedGate) Authenticate(r *http.Request) (auth.Principal, error) { return auth.Principal{}, nil }
func (deniedGate) Authorize(auth.Principal, string) bool                { return false }

func TestStartFlowsCreatesAndAdmitsEachTopic(t *testing.T) {
	s := newTestServer(t, 10)
	body := `{"topics":["topic-a","topic-b"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/flows/start", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.Mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp startFlowsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.AcceptedCount)
	assert.Len(t, resp.FlowIDs, 2)
}

func TestStartFlowsRejectsEmptyTopics(t *testing.T) {
	s := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/flows/start", strings.NewReader(`{"topics":[]}`))
	w := httptest.NewRecorder()

	s.Mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetFlowReturnsNotFoundForUnknownID(t *testing.T) {
	s := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodGet, "/v1/flows/get?flow_id=does-not-exist", nil)
	w := httptest.NewRecorder()

	s.Mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGuardDeniesWithoutPermission(t *testing.T) {
	bus := eventbus.New()
	sched := scheduler.New(4, bus)
	mgr := flow.New(sched, bus, okRunner, 10)
	reporter := taxonomy.NewReporter("")
	s := New(mgr, reporter, deniedGate{}, config.DefaultServiceConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/flows", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCancelFlowReturnsFalseForUnknownFlow(t *testing.T) {
	s := newTestServer(t, 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/flows/cancel?flow_id=ghost", nil)
	w := httptest.NewRecorder()

	s.Mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp["cancelled"])
}

func TestErrorStatsReflectsReportedErrors(t *testing.T) {
	s := newTestServer(t, 10)
	s.reporter.Report(context.Background(), taxonomy.New(taxonomy.KindRateLimit, "too many requests"))

	req := httptest.NewRequest(http.MethodGet, "/v1/errors/stats", nil)
	w := httptest.NewRecorder()
	s.Mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var stats taxonomy.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Total)
}

func TestAddAlertThenAlertConfigsListsIt(t *testing.T) {
	s := newTestServer(t, 10)
	body := `{"name":"rate-limit-storm","kind":"RateLimitError","threshold":5,"window_seconds":60,"cooldown_seconds":30}`
	addReq := httptest.NewRequest(http.MethodPost, "/v1/alerts/add", strings.NewReader(body))
	addW := httptest.NewRecorder()
	s.Mux.ServeHTTP(addW, addReq)
	require.Equal(t, http.StatusOK, addW.Code)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
	listW := httptest.NewRecorder()
	s.Mux.ServeHTTP(listW, listReq)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &resp))
	assert.Contains(t, resp["rules"], "rate-limit-storm")
}
