// Package monitor turns log file changes and controller signals into
// anomalies, alerts and hints for one lab.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/cooldown"
	"github.com/tinytelemetry/labwatch/internal/logparse"
	"github.com/tinytelemetry/labwatch/internal/metrics"
	"github.com/tinytelemetry/labwatch/internal/model"
	"github.com/tinytelemetry/labwatch/internal/offsets"
	"github.com/tinytelemetry/labwatch/internal/patterns"
)

// Classifier assigns a line to a log template.
type Classifier interface {
	Classify(ctx context.Context, line string) (patterns.Result, error)
}

// HintWriter records operator hints.
type HintWriter interface {
	AddHint(severity model.Severity, anomaly, analysis, solution string) (model.Hint, error)
}

// PipelineConfig holds per-lab pipeline settings.
type PipelineConfig struct {
	LabID       string
	AutoProcess bool
	Channels    []string
}

// Pipeline processes newly appended log bytes for one lab.
type Pipeline struct {
	// mu serializes offset bookkeeping, classification and cooldown checks
	// across concurrent file events.
	mu sync.Mutex

	cfg      PipelineConfig
	tracker  *offsets.Tracker
	miner    Classifier
	limiter  *cooldown.Limiter
	buffer   *AnomalyBuffer
	agent    model.Agent
	notifier model.Notifier
	hints    HintWriter
	events   model.EventSink
	exec     Executor
	now      func() time.Time
	logger   zerolog.Logger
}

// PipelineDeps are the collaborators a Pipeline needs. Agent, Events and
// Executor are optional.
type PipelineDeps struct {
	Tracker  *offsets.Tracker
	Miner    Classifier
	Limiter  *cooldown.Limiter
	Buffer   *AnomalyBuffer
	Agent    model.Agent
	Notifier model.Notifier
	Hints    HintWriter
	Events   model.EventSink
	Executor Executor
	Logger   zerolog.Logger
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	exec := deps.Executor
	if exec == nil {
		exec = Inline{}
	}
	return &Pipeline{
		cfg:      cfg,
		tracker:  deps.Tracker,
		miner:    deps.Miner,
		limiter:  deps.Limiter,
		buffer:   deps.Buffer,
		agent:    deps.Agent,
		notifier: deps.Notifier,
		hints:    deps.Hints,
		events:   deps.Events,
		exec:     exec,
		now:      time.Now,
		logger:   deps.Logger,
	}
}

// maxPartialLine bounds how many bytes without a newline are held back
// waiting for the rest of the line.
const maxPartialLine = 64 * 1024

type incident struct {
	record model.AnomalyRecord
	notify bool
}

// OnFileModified reads whatever was appended to path since the last call,
// classifies each line in file order and raises alerts for anomalies that
// are not in cooldown. It returns the number of lines classified.
func (p *Pipeline) OnFileModified(ctx context.Context, path string) int {
	incidents, classified := p.scan(ctx, path)

	for _, inc := range incidents {
		p.record(ctx, inc.record)
		if !inc.notify {
			continue
		}
		rec := inc.record
		p.exec.Submit(func() { p.handleIncident(ctx, rec) })
	}
	return classified
}

// scan is the critical section: no network I/O happens here.
func (p *Pipeline) scan(ctx context.Context, path string) ([]incident, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, err := p.tracker.Track(path)
	if err != nil {
		p.logger.Debug().Err(err).Str("path", path).Msg("skipping file, stat failed")
		return nil, 0
	}
	switch {
	case w.Rotated:
		p.logger.Info().Str("path", path).Msg("log rotated, reading from start")
		metrics.FileReset(p.cfg.LabID, "rotated")
	case w.Truncated:
		p.logger.Info().Str("path", path).Msg("log truncated, reading from start")
		metrics.FileReset(p.cfg.LabID, "truncated")
	}
	if w.Pending() == 0 {
		return nil, 0
	}

	data, err := readRange(path, w.Offset, w.Size)
	if err != nil {
		p.logger.Debug().Err(err).Str("path", path).Msg("skipping file, read failed")
		return nil, 0
	}
	// Only complete lines are consumed; a trailing partial line stays
	// uncommitted until its newline arrives.
	end := bytes.LastIndexByte(data, '\n') + 1
	if end == 0 {
		if len(data) < maxPartialLine {
			return nil, 0
		}
		end = len(data)
	}
	data = data[:end]
	p.tracker.Commit(path, w.Offset+int64(end))

	var (
		incidents  []incident
		classified int
	)
	for _, line := range splitLines(data) {
		res, err := p.miner.Classify(ctx, line)
		if err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("line not classified")
			continue
		}
		classified++
		if !res.Anomalous() {
			continue
		}

		rec := model.AnomalyRecord{
			ID:         ulid.Make().String(),
			LabID:      p.cfg.LabID,
			Path:       path,
			Line:       line,
			ClusterID:  res.ClusterID,
			Template:   res.Template,
			ChangeType: res.Change,
			DetectedAt: p.now().UTC(),
		}
		p.buffer.Append(rec)
		metrics.AnomalyDetected(p.cfg.LabID, string(res.Change))

		allowed := p.limiter.Allow(notificationKey(path, res))
		if !allowed {
			p.logger.Debug().Str("path", path).Int64("cluster", res.ClusterID).Msg("notification suppressed by cooldown")
			metrics.Notification(p.cfg.LabID, metrics.KindAnomaly, metrics.OutcomeSuppressed)
		}
		incidents = append(incidents, incident{record: rec, notify: allowed})
	}
	metrics.LinesProcessed(p.cfg.LabID, classified)
	return incidents, classified
}

func (p *Pipeline) record(ctx context.Context, rec model.AnomalyRecord) {
	if p.events == nil {
		return
	}
	if err := p.events.RecordAnomaly(ctx, rec); err != nil {
		p.logger.Warn().Err(err).Msg("anomaly event not stored")
	}
}

func (p *Pipeline) handleIncident(ctx context.Context, rec model.AnomalyRecord) {
	lab := p.cfg.LabID
	if !p.cfg.AutoProcess || p.agent == nil {
		p.notifier.Send(ctx, rec.Description(), p.cfg.Channels...)
		metrics.Notification(lab, metrics.KindAnomaly, metrics.OutcomeSent)
		return
	}

	start := time.Now()
	reply, err := p.agent.Invoke(ctx, []model.Message{{Role: model.RoleUser, Content: IncidentPrompt(lab, rec)}})
	metrics.ObserveAgent(lab, metrics.KindAnomaly, time.Since(start).Seconds())
	if err != nil {
		p.logger.Error().Err(err).Str("path", rec.Path).Msg("automated analysis failed, sending basic alert")
		msg := fmt.Sprintf("[labwatch %s] Automated analysis failed: %v\n%s", lab, err, rec.Description())
		p.notifier.Send(ctx, msg, p.cfg.Channels...)
		metrics.Notification(lab, metrics.KindAnomaly, metrics.OutcomeFallback)
		return
	}

	body := fmt.Sprintf("Log level: %s\n%s\n\n%s", logparse.Level(rec.Line), rec.Description(), reply.Content)
	p.notifier.Send(ctx, banner(lab, "Incident analysis", body), p.cfg.Channels...)
	metrics.Notification(lab, metrics.KindAnomaly, metrics.OutcomeSent)

	analysis, action := splitRecommendation(reply.Content)
	if _, err := p.hints.AddHint(model.SeverityWarning, rec.Description(), analysis, action); err != nil {
		p.logger.Warn().Err(err).Msg("hint not recorded")
	}
}

// Buffer exposes the anomaly buffer.
func (p *Pipeline) Buffer() *AnomalyBuffer { return p.buffer }

func notificationKey(path string, res patterns.Result) string {
	if !res.HasCluster {
		return path + ":unclustered"
	}
	return fmt.Sprintf("%s:%d", path, res.ClusterID)
}

func readRange(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.NewSectionReader(f, offset, size-offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data, nil
}

func splitLines(data []byte) []string {
	raw := strings.Split(string(data), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
