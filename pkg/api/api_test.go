package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascade-search/rlm/pkg/bus"
	"github.com/cascade-search/rlm/pkg/config"
	"github.com/cascade-search/rlm/pkg/services"
	"github.com/cascade-search/rlm/pkg/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCompleter struct {
	fn func(ctx context.Context, prompt string) (string, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return f.fn(ctx, prompt)
}

func (f *fakeCompleter) Model() string { return "fake" }

func answering(answer string) *fakeCompleter {
	return &fakeCompleter{fn: func(context.Context, string) (string, error) {
		return "FINAL(" + answer + ")", nil
	}}
}

type testEnv struct {
	router   *gin.Engine
	svc      *services.SearchService
	sessions *session.Manager
	cfg      *config.Config
}

func newTestEnv(t *testing.T, lm *fakeCompleter) *testEnv {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		CascadeURL:     upstream.URL,
		Collection:     "qa",
		Backend:        "claude_cli",
		Model:          "fake",
		SubModel:       "fake",
		ClassifyModel:  "fake",
		MaxIterations:  3,
		MaxDepth:       1,
		SubIterations:  2,
		SessionTimeout: time.Hour,
		Workers:        2,
		MaxActive:      4,
		AuditDir:       t.TempDir(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	sessions := session.NewManager()
	svc, err := services.NewSearchService(ctx, cfg, sessions)
	require.NoError(t, err)
	svc.UseCompleters(lm, lm, lm)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = svc.Shutdown(shutdownCtx)
	})

	server := NewServer(cfg, svc, sessions)
	return &testEnv{router: server.Router(), svc: svc, sessions: sessions, cfg: cfg}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) startSearch(t *testing.T, body string) (searchID, sessionID string) {
	t.Helper()
	w := e.do(http.MethodPost, "/search", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		SearchID  string `json:"search_id"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res.SearchID, res.SessionID
}

func (e *testEnv) waitDone(t *testing.T, searchID string) *bus.Bus {
	t.Helper()
	b, ok := e.svc.Bus(searchID)
	require.True(t, ok)
	require.Eventually(t, b.Done, 2*time.Second, 10*time.Millisecond)
	return b
}

func TestStartSearchReturnsIDs(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	searchID, sessionID := env.startSearch(t, `{"query": "How do refunds work?"}`)
	assert.NotEmpty(t, searchID)
	assert.NotEmpty(t, sessionID)
	env.waitDone(t, searchID)
}

func TestStartSearchRejectsMissingQuery(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	w := env.do(http.MethodPost, "/search", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartSearchUnknownSession(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	w := env.do(http.MethodPost, "/search", `{"query": "q", "session_id": "missing"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownSearch(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	w := env.do(http.MethodPost, "/search/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	searchID, sessionID := env.startSearch(t, `{"query": "q"}`)
	env.waitDone(t, searchID)

	// The worker clears the active-search claim just after the terminal
	// event, so deletion can briefly see a busy session.
	require.Eventually(t, func() bool {
		return env.do(http.MethodDelete, "/session/"+sessionID, "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	w := env.do(http.MethodDelete, "/session/"+sessionID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthReportsUpstream(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, "ok", res["cascade_api"])
	assert.Equal(t, env.cfg.CascadeURL, res["cascade_url"])
}

func TestHealthDegradedWhenUpstreamUnreachable(t *testing.T) {
	env := newTestEnv(t, answering("done"))
	env.cfg.CascadeURL = "http://127.0.0.1:1"

	// Rebuild against an unreachable upstream.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc, err := services.NewSearchService(ctx, env.cfg, env.sessions)
	require.NoError(t, err)
	router := NewServer(env.cfg, svc, env.sessions).Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "degraded", res["status"])
	assert.NotEqual(t, "ok", res["cascade_api"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	env := newTestEnv(t, answering("done"))
	env.cfg.APIKey = "sekrit"

	w := env.do(http.MethodGet, "/logs/recent", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/logs/recent", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/logs/recent", nil)
	req.Header.Set("x-api-key", "sekrit")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for unauthenticated probes.
	w = env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogsEndpoints(t *testing.T) {
	env := newTestEnv(t, answering("the answer"))

	searchID, _ := env.startSearch(t, `{"query": "What is covered?"}`)
	env.waitDone(t, searchID)

	w := env.do(http.MethodGet, "/logs/recent", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recent struct {
		Logs []struct {
			SearchID string `json:"search_id"`
			Query    string `json:"query"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recent))
	require.Len(t, recent.Logs, 1)
	assert.Equal(t, searchID, recent.Logs[0].SearchID)
	assert.Equal(t, "What is covered?", recent.Logs[0].Query)

	w = env.do(http.MethodGet, "/logs/"+searchID[:8], "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/logs/not_a_valid.id", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/logs/ffffffff", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodDelete, "/logs/"+searchID[:8], "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(http.MethodGet, "/logs/"+searchID[:8], "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	searchID, _ := env.startSearch(t, `{"query": "q"}`)
	env.waitDone(t, searchID)

	w := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "rlm_searches_started_total 1")
	assert.Contains(t, body, "rlm_active_searches")
}

func TestStreamUnknownSearch(t *testing.T) {
	env := newTestEnv(t, answering("done"))

	w := env.do(http.MethodGet, "/search/nope/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// sseKinds parses an SSE body into the event kinds of its data frames.
func sseKinds(t *testing.T, body string) []string {
	t.Helper()
	var kinds []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt bus.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func TestStreamReplayAfterCompletion(t *testing.T) {
	env := newTestEnv(t, answering("replayed"))

	searchID, _ := env.startSearch(t, `{"query": "q"}`)
	b := env.waitDone(t, searchID)

	// A first consumer drains everything, as a live stream would have.
	require.NotEmpty(t, b.Drain())

	w := env.do(http.MethodGet, "/search/"+searchID+"/stream?replay=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	kinds := sseKinds(t, w.Body.String())
	require.NotEmpty(t, kinds)
	assert.Equal(t, bus.KindMetadata, kinds[0])
	assert.Contains(t, kinds, bus.KindIteration)
	assert.Equal(t, bus.KindDone, kinds[len(kinds)-1])

	// The terminal frame retires the bus from the registry.
	_, ok := env.svc.Bus(searchID)
	assert.False(t, ok)
}

func TestStreamLiveDeliversTerminal(t *testing.T) {
	env := newTestEnv(t, answering("live"))

	searchID, _ := env.startSearch(t, `{"query": "q"}`)
	env.waitDone(t, searchID)

	w := env.do(http.MethodGet, "/search/"+searchID+"/stream", "")
	require.Equal(t, http.StatusOK, w.Code)

	kinds := sseKinds(t, w.Body.String())
	require.NotEmpty(t, kinds)
	assert.Equal(t, bus.KindDone, kinds[len(kinds)-1])
}
