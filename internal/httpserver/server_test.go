package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/labwatch/internal/agent"
	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/lab"
	"github.com/tinytelemetry/labwatch/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, string, ...string) map[string]bool { return map[string]bool{} }

type cannedAgent struct{ reply string }

func (a cannedAgent) Invoke(context.Context, []model.Message) (model.Message, error) {
	return model.Message{Role: model.RoleAssistant, Content: a.reply}, nil
}

type sliceEvents struct {
	mu   sync.Mutex
	recs []model.AnomalyRecord
}

func (s *sliceEvents) RecordAnomaly(_ context.Context, rec model.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *sliceEvents) Recent(_ context.Context, labID string, limit int) ([]model.AnomalyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnomalyRecord
	for _, r := range s.recs {
		if r.LabID == labID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *sliceEvents) CountsByFile(_ context.Context, labID string, since time.Time) ([]model.FileCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.FileCount
	for _, r := range s.recs {
		if r.LabID != labID || r.DetectedAt.Before(since) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Path == r.Path {
			out[n-1].Count++
			continue
		}
		out = append(out, model.FileCount{Path: r.Path, Count: 1})
	}
	return out, nil
}

type testEnv struct {
	srv    *Server
	router *gin.Engine
	reg    *lab.Registry
	events *sliceEvents
}

func newTestServer(t *testing.T, withAgent bool) *testEnv {
	t.Helper()
	cfg := config.Config{
		AllowedLabs: []string{"lab1", "lab2"},
		DataDir:     t.TempDir(),
		Monitor: config.Monitor{
			NotificationCooldown: time.Minute,
			MaxAnomalies:         100,
			CrashTimeout:         30 * time.Second,
			HeartbeatInterval:    time.Hour,
			LogSuffix:            ".log",
			ShutdownTimeout:      time.Second,
		},
	}
	events := &sliceEvents{}
	opts := lab.Options{
		Config:      cfg,
		NewNotifier: func(config.LabSettings, zerolog.Logger) model.Notifier { return nopNotifier{} },
		Events:      events,
		Logger:      zerolog.Nop(),
	}
	if withAgent {
		opts.NewAgent = func(string, []agent.Tool) model.Agent { return cannedAgent{reply: "looks like a timeout"} }
	}
	reg := lab.NewRegistry(context.Background(), opts)
	t.Cleanup(func() { reg.Close() })

	srv := NewServer("", "test", reg, prometheus.NewRegistry(), zerolog.Nop())
	return &testEnv{srv: srv, router: srv.routes(), reg: reg, events: events}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRootAndLabs(t *testing.T) {
	e := newTestServer(t, false)

	w := e.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "labwatch", body["service"])
	assert.Equal(t, "test", body["version"])

	w = e.do(t, http.MethodGet, "/labs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var labs []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &labs))
	assert.Equal(t, []string{"lab1", "lab2"}, labs)
}

func TestHealthListsActiveLabs(t *testing.T) {
	e := newTestServer(t, false)
	_, err := e.reg.GetOrCreate("lab2")
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, []any{"lab2"}, body["active_labs"])
}

func TestUnknownLabIsRejected(t *testing.T) {
	e := newTestServer(t, false)

	w := e.do(t, http.MethodGet, "/labs/lab9/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "Invalid lab_id: lab9")

	w = e.do(t, http.MethodPost, "/query", map[string]string{"query": "x", "lab_id": "lab9"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, e.reg.ListActive())
}

func TestStatus(t *testing.T) {
	e := newTestServer(t, false)

	w := e.do(t, http.MethodGet, "/labs/lab1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "lab1", body["lab_id"])
	assert.Equal(t, "active", body["status"])
	assert.Contains(t, body, "controller")
	assert.Contains(t, body, "host")
}

func TestQueryAndRebuildIndex(t *testing.T) {
	e := newTestServer(t, false)
	l, err := e.reg.GetOrCreate("lab1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(l.Settings.SOPDir, "timeouts.md"),
		[]byte("Connection timeout: power-cycle the switch and retry the step."), 0o644))

	w := e.do(t, http.MethodPost, "/labs/lab1/rebuild-index", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 1, body["documents_indexed"])

	w = e.do(t, http.MethodPost, "/query", map[string]string{"query": "connection timeout", "lab_id": "lab1"})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Contains(t, body["response"], "power-cycle the switch")
}

func TestQueryMissingFields(t *testing.T) {
	e := newTestServer(t, false)
	w := e.do(t, http.MethodPost, "/query", map[string]string{"lab_id": "lab1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatAndAnalyze(t *testing.T) {
	e := newTestServer(t, true)

	w := e.do(t, http.MethodPost, "/chat", map[string]string{"query": "what failed?", "lab_id": "lab1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "looks like a timeout", decode(t, w)["analysis"])

	w = e.do(t, http.MethodPost, "/analyze", map[string]string{"log_content": "ERROR timeout", "lab_id": "lab1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "looks like a timeout", decode(t, w)["analysis"])
}

func TestChatWithoutAgent(t *testing.T) {
	e := newTestServer(t, false)
	w := e.do(t, http.MethodPost, "/chat", map[string]string{"query": "hi", "lab_id": "lab1"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHintsLifecycle(t *testing.T) {
	e := newTestServer(t, false)
	l, err := e.reg.GetOrCreate("lab1")
	require.NoError(t, err)

	h, err := l.Channel.AddHint(model.SeverityError, "fixture lost", "vacuum leak", "close V2")
	require.NoError(t, err)
	_, err = l.Channel.AddHint(model.SeverityInfo, "note", "", "")
	require.NoError(t, err)

	w := e.do(t, http.MethodGet, "/labs/lab1/hints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["hints"], 2)

	w = e.do(t, http.MethodGet, "/labs/lab1/hints?severity=error", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["hints"], 1)

	w = e.do(t, http.MethodPost, "/labs/lab1/hints/resolve", map[string]string{"timestamp": h.Timestamp})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/labs/lab1/hints/resolve", map[string]string{"timestamp": "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodDelete, "/labs/lab1/hints", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, l.Channel.CurrentHints())
}

func TestSendCommandAndAcks(t *testing.T) {
	e := newTestServer(t, false)

	w := e.do(t, http.MethodPost, "/labs/lab1/commands", map[string]any{
		"command":  "pause_test",
		"params":   map[string]any{"station": 2},
		"priority": "high",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id, _ := decode(t, w)["id"].(string)
	assert.NotEmpty(t, id)

	l, ok := e.reg.Get("lab1")
	require.True(t, ok)
	cmds := l.Channel.Commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, id, cmds[0].ID)
	assert.Equal(t, "high", cmds[0].Priority)

	w = e.do(t, http.MethodPost, "/labs/lab1/commands", map[string]any{"params": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, os.WriteFile(l.Channel.Path(model.AcksFileName),
		[]byte(`[{"command_id": "`+id+`", "status": "done"}]`), 0o644))
	w = e.do(t, http.MethodGet, "/labs/lab1/acks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["acks"], 1)
}

func TestAnomaliesPeekAndDrain(t *testing.T) {
	e := newTestServer(t, false)
	l, err := e.reg.GetOrCreate("lab1")
	require.NoError(t, err)

	l.Buffer.Append(model.AnomalyRecord{ID: "a1", LabID: "lab1", Line: "ERROR x"})

	w := e.do(t, http.MethodGet, "/labs/lab1/anomalies", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Equal(t, 1, l.Buffer.Len())

	w = e.do(t, http.MethodGet, "/labs/lab1/anomalies?drain=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
	assert.Zero(t, l.Buffer.Len())
}

func TestAnomalyHistory(t *testing.T) {
	e := newTestServer(t, false)
	require.NoError(t, e.events.RecordAnomaly(context.Background(), model.AnomalyRecord{ID: "h1", LabID: "lab1"}))

	w := e.do(t, http.MethodGet, "/labs/lab1/anomalies/history?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["anomalies"], 1)

	w = e.do(t, http.MethodGet, "/labs/lab1/anomalies/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNoisyFiles(t *testing.T) {
	e := newTestServer(t, false)
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, e.events.RecordAnomaly(ctx, model.AnomalyRecord{ID: "n1", LabID: "lab1", Path: "/logs/a.log", DetectedAt: now}))
	require.NoError(t, e.events.RecordAnomaly(ctx, model.AnomalyRecord{ID: "n2", LabID: "lab1", Path: "/logs/a.log", DetectedAt: now}))
	require.NoError(t, e.events.RecordAnomaly(ctx, model.AnomalyRecord{ID: "n3", LabID: "lab1", Path: "/logs/old.log", DetectedAt: now.Add(-48 * time.Hour)}))

	w := e.do(t, http.MethodGet, "/labs/lab1/anomalies/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	files := decode(t, w)["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "/logs/a.log", files[0].(map[string]any)["path"])
	assert.EqualValues(t, 2, files[0].(map[string]any)["count"])

	w = e.do(t, http.MethodGet, "/labs/lab1/anomalies/files?hours=72", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["files"], 2)

	w = e.do(t, http.MethodGet, "/labs/lab1/anomalies/files?hours=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPatterns(t *testing.T) {
	e := newTestServer(t, false)
	l, err := e.reg.GetOrCreate("lab1")
	require.NoError(t, err)
	ctx := context.Background()
	for _, line := range []string{"step 1 passed", "step 2 passed", "step 3 passed"} {
		_, err := l.Miner.Classify(ctx, line)
		require.NoError(t, err)
	}

	w := e.do(t, http.MethodGet, "/labs/lab1/patterns?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 3, body["lines"])
	assert.NotEmpty(t, body["patterns"])

	w = e.do(t, http.MethodGet, "/labs/lab1/patterns?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t, false)
	w := e.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStartStop(t *testing.T) {
	e := newTestServer(t, false)
	srv := NewServer("127.0.0.1:0", "test", e.reg, prometheus.NewRegistry(), zerolog.Nop())
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop())
}
