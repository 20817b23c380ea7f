package monitor

import (
	"context"
	"sync"

	"github.com/tinytelemetry/labwatch/internal/model"
	"github.com/tinytelemetry/labwatch/internal/patterns"
)

type recordingClassifier struct {
	mu    sync.Mutex
	lines []string
	// anomalous decides the verdict per line; nil means every line is new.
	anomalous func(line string) bool
}

func (c *recordingClassifier) Classify(_ context.Context, line string) (patterns.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	change := model.ChangeClusterCreated
	if c.anomalous != nil && !c.anomalous(line) {
		change = model.ChangeNone
	}
	return patterns.Result{ClusterID: 1, HasCluster: true, Template: line, Change: change}, nil
}

func (c *recordingClassifier) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Send(_ context.Context, message string, channels ...string) map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	out := map[string]bool{}
	for _, c := range channels {
		out[c] = true
	}
	return out
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type stubAgent struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (a *stubAgent) Invoke(_ context.Context, msgs []model.Message) (model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, msgs[len(msgs)-1].Content)
	if a.err != nil {
		return model.Message{}, a.err
	}
	return model.Message{Role: model.RoleAssistant, Content: a.reply}, nil
}

type recordingHints struct {
	mu    sync.Mutex
	hints []model.Hint
}

func (h *recordingHints) AddHint(sev model.Severity, anomaly, analysis, solution string) (model.Hint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hint := model.Hint{Severity: sev, Anomaly: anomaly, Analysis: analysis, SOPSolution: solution, Status: model.HintUnresolved}
	h.hints = append(h.hints, hint)
	return hint, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []model.AnomalyRecord
}

func (s *recordingSink) RecordAnomaly(_ context.Context, r model.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

type staticHeartbeat struct {
	hb model.HeartbeatRecord
	ok bool
}

func (s staticHeartbeat) LatestHeartbeat() (model.HeartbeatRecord, bool) { return s.hb, s.ok }

type queuedInput struct {
	pending []model.UserInputRecord
}

func (q *queuedInput) ReadUserInput() (model.UserInputRecord, bool) {
	if len(q.pending) == 0 {
		return model.UserInputRecord{}, false
	}
	in := q.pending[0]
	q.pending = q.pending[1:]
	return in, true
}
