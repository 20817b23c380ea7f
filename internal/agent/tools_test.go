package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/labwatch/internal/model"
)

type fakeRetriever struct {
	passages []model.Passage
	err      error
}

func (f fakeRetriever) Query(context.Context, string, int) ([]model.Passage, error) {
	return f.passages, f.err
}

type fakeAnomalies struct{ pending []model.AnomalyRecord }

func (f *fakeAnomalies) Drain() []model.AnomalyRecord {
	out := f.pending
	f.pending = nil
	return out
}

type fakeController struct {
	sent []string
	hb   *model.HeartbeatRecord
}

func (f *fakeController) SendCommand(name string, _ map[string]any, _ string) (string, error) {
	f.sent = append(f.sent, name)
	return "cmd-1", nil
}

func (f *fakeController) LatestHeartbeat() (model.HeartbeatRecord, bool) {
	if f.hb == nil {
		return model.HeartbeatRecord{}, false
	}
	return *f.hb, true
}

func toolByName(t *testing.T, lt LabTools, name string) Tool {
	t.Helper()
	for _, tool := range lt.Tools() {
		if tool.Name == name {
			return tool
		}
	}
	t.Fatalf("tool %s not found", name)
	return Tool{}
}

func run(t *testing.T, lt LabTools, name, args string) string {
	t.Helper()
	out, err := toolByName(t, lt, name).Run(context.Background(), json.RawMessage(args))
	require.NoError(t, err)
	return out
}

func TestQuerySOP(t *testing.T) {
	lt := LabTools{Retriever: fakeRetriever{passages: []model.Passage{{Source: "clamp.md", Content: "Release the clamp."}}}}
	assert.Contains(t, run(t, lt, "query_sop", `{"query":"clamp"}`), "Release the clamp.")

	empty := LabTools{Retriever: fakeRetriever{}}
	assert.Equal(t, "No relevant information found.", run(t, empty, "query_sop", `{"query":"x"}`))

	failing := LabTools{Retriever: fakeRetriever{err: errors.New("index missing")}}
	_, err := toolByName(t, failing, "query_sop").Run(context.Background(), json.RawMessage(`{"query":"x"}`))
	assert.Error(t, err)
}

func TestCheckLogsDrains(t *testing.T) {
	an := &fakeAnomalies{pending: []model.AnomalyRecord{{Path: "/l/a.log", Line: "boom"}}}
	lt := LabTools{Anomalies: an}

	assert.Equal(t, "Anomalies detected:\nAnomaly detected in /l/a.log: boom", run(t, lt, "check_logs", `{}`))
	assert.Equal(t, "No anomalies detected.", run(t, lt, "check_logs", `{}`))
}

func TestSendCommandTool(t *testing.T) {
	ctl := &fakeController{}
	lt := LabTools{Controller: ctl}

	out := run(t, lt, "send_command", `{"command":"return_home","params":{"axis":"z"}}`)
	assert.Contains(t, out, "cmd-1")
	assert.Equal(t, []string{"return_home"}, ctl.sent)
}

func TestControllerStatusTool(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	ctl := &fakeController{}
	lt := LabTools{Controller: ctl, CrashTimeout: 30 * time.Second, Now: func() time.Time { return now }}

	assert.Contains(t, run(t, lt, "get_controller_status", `{}`), "No heartbeat")

	ctl.hb = &model.HeartbeatRecord{Timestamp: 1_700_000_090, Status: map[string]any{"state": "running"}}
	assert.Contains(t, run(t, lt, "get_controller_status", `{}`), "Controller is alive")

	ctl.hb.Timestamp = 1_700_000_000
	assert.Contains(t, run(t, lt, "get_controller_status", `{}`), "Controller is unresponsive")
}

func TestRestartControllerWithoutPath(t *testing.T) {
	lt := LabTools{}
	assert.Equal(t, "Error: automation controller path is not configured", run(t, lt, "restart_controller", `{}`))
	assert.ErrorIs(t, lt.RestartController(context.Background()), ErrNoControllerPath)
}

func TestRestartControllerLaunches(t *testing.T) {
	var launched string
	lt := LabTools{
		ControllerPath: "/opt/lab/controller",
		Launch: func(_ context.Context, path string) error {
			launched = path
			return nil
		},
	}
	assert.Contains(t, run(t, lt, "restart_controller", `{}`), "/opt/lab/controller")
	assert.Equal(t, "/opt/lab/controller", launched)
}
