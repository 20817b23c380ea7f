// Package lab assembles the per-lab monitoring components and keeps a
// registry of the labs that are running.
package lab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/agent"
	"github.com/tinytelemetry/labwatch/internal/channel"
	"github.com/tinytelemetry/labwatch/internal/config"
	"github.com/tinytelemetry/labwatch/internal/cooldown"
	"github.com/tinytelemetry/labwatch/internal/model"
	"github.com/tinytelemetry/labwatch/internal/monitor"
	"github.com/tinytelemetry/labwatch/internal/offsets"
	"github.com/tinytelemetry/labwatch/internal/patterns"
	"github.com/tinytelemetry/labwatch/internal/sop"
	"github.com/tinytelemetry/labwatch/internal/watch"
)

const (
	incidentQueueSize = 64
	indexFileName     = "sop.db"
	defaultQueryLimit = 3
)

var (
	// ErrLabNotAllowed is returned for lab ids outside the allow-list.
	ErrLabNotAllowed = errors.New("lab is not in the allow-list")
	// ErrNoAgent means the lab runs without a language model.
	ErrNoAgent = errors.New("no agent configured for this lab")
	// ErrNoHistory means no event store is attached.
	ErrNoHistory = errors.New("anomaly history is not enabled")
)

// EventStore keeps the long-term anomaly history shared by all labs.
type EventStore interface {
	model.EventSink
	Recent(ctx context.Context, labID string, limit int) ([]model.AnomalyRecord, error)
	CountsByFile(ctx context.Context, labID string, since time.Time) ([]model.FileCount, error)
}

// Lab is one running lab context. Every component is owned by exactly one Lab.
type Lab struct {
	ID       string
	Settings config.LabSettings

	Channel  *channel.Channel
	Tracker  *offsets.Tracker
	Miner    *patterns.Miner
	Limiter  *cooldown.Limiter
	Buffer   *monitor.AnomalyBuffer
	Index    *sop.Index
	Agent    model.Agent
	Notifier model.Notifier
	Pipeline *monitor.Pipeline
	Watchdog *monitor.Watchdog
	Input    *monitor.InputHandler

	monitorCfg config.Monitor
	events     EventStore
	dispatcher *watch.Dispatcher
	worker     *monitor.Worker
	cancel     context.CancelFunc
	started    time.Time
	logger     zerolog.Logger
}

func newLab(parent context.Context, id string, opts Options) (_ *Lab, err error) {
	s := opts.Config.Lab(id)
	mc := opts.Config.Monitor
	logger := opts.Logger.With().Str("lab", id).Logger()

	for _, dir := range []string{s.LogDir, s.SOPDir, s.HintsDir, s.IndexDir, filepath.Dir(s.StateFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("lab %s: create %s: %w", id, dir, err)
		}
	}

	l := &Lab{
		ID:         id,
		Settings:   s,
		Tracker:    offsets.NewTracker(),
		Limiter:    cooldown.New(mc.NotificationCooldown),
		Buffer:     monitor.NewAnomalyBuffer(mc.MaxAnomalies),
		monitorCfg: mc,
		events:     opts.Events,
		started:    time.Now(),
		logger:     logger,
	}
	defer func() {
		if err != nil {
			if l.worker != nil {
				l.worker.Close(time.Second)
			}
			l.release()
		}
	}()

	if l.Channel, err = channel.Open(s.HintsDir, logger.With().Str("component", "channel").Logger()); err != nil {
		return nil, fmt.Errorf("lab %s: %w", id, err)
	}
	l.Miner, err = patterns.New(parent, opts.Patterns, patterns.NewFileStore(s.StateFile),
		logger.With().Str("component", "patterns").Logger())
	if err != nil {
		return nil, fmt.Errorf("lab %s: %w", id, err)
	}
	if l.Index, err = sop.Open(filepath.Join(s.IndexDir, indexFileName), s.SOPDir,
		logger.With().Str("component", "sop").Logger()); err != nil {
		return nil, fmt.Errorf("lab %s: %w", id, err)
	}
	if l.Index.Stats().Chunks == 0 {
		if _, err := l.Index.Build(parent); err != nil {
			logger.Warn().Err(err).Msg("sop index not built")
		}
	}

	l.Notifier = opts.notifier(s, logger)
	tools := agent.LabTools{
		LabID:          id,
		Retriever:      l.Index,
		Anomalies:      l.Buffer,
		Controller:     l.Channel,
		ControllerPath: mc.ControllerAppPath,
		CrashTimeout:   mc.CrashTimeout,
		Now:            time.Now,
	}
	if opts.NewAgent != nil {
		l.Agent = opts.NewAgent(id, tools.Tools())
	}

	l.worker = monitor.NewWorker(incidentQueueSize, logger.With().Str("component", "incidents").Logger())
	l.Pipeline = monitor.NewPipeline(monitor.PipelineConfig{
		LabID:       id,
		AutoProcess: mc.AutoProcess,
		Channels:    s.Channels,
	}, monitor.PipelineDeps{
		Tracker:  l.Tracker,
		Miner:    l.Miner,
		Limiter:  l.Limiter,
		Buffer:   l.Buffer,
		Agent:    l.Agent,
		Notifier: l.Notifier,
		Hints:    l.Channel,
		Events:   opts.Events,
		Executor: l.worker,
		Logger:   logger.With().Str("component", "pipeline").Logger(),
	})
	l.Watchdog = monitor.NewWatchdog(monitor.WatchdogConfig{
		LabID:        id,
		AutoProcess:  mc.AutoProcess,
		Channels:     s.Channels,
		CrashTimeout: mc.CrashTimeout,
		Interval:     mc.HeartbeatInterval,
	}, monitor.WatchdogDeps{
		Heartbeat: l.Channel,
		Limiter:   l.Limiter,
		Agent:     l.Agent,
		Notifier:  l.Notifier,
		Hints:     l.Channel,
		Executor:  l.worker,
		Logger:    logger.With().Str("component", "watchdog").Logger(),
	})
	l.Input = monitor.NewInputHandler(id, mc.AutoProcess, s.Channels, monitor.InputHandlerDeps{
		Input:    l.Channel,
		Agent:    l.Agent,
		Notifier: l.Notifier,
		Hints:    l.Channel,
		Executor: l.worker,
		Logger:   logger.With().Str("component", "input").Logger(),
	})

	l.dispatcher, err = watch.New(watch.Config{
		LogDir:     s.LogDir,
		ChannelDir: s.HintsDir,
		LogSuffix:  mc.LogSuffix,
	}, watch.Handlers{
		OnLogModified: func(ctx context.Context, path string) { l.Pipeline.OnFileModified(ctx, path) },
		OnUserInput:   func(ctx context.Context) { l.Input.OnUserInput(ctx) },
	}, logger.With().Str("component", "watch").Logger())
	if err != nil {
		return nil, fmt.Errorf("lab %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.dispatcher.Start(ctx)
	l.Watchdog.Start(ctx)

	logger.Info().
		Str("log_dir", s.LogDir).
		Str("hints_dir", s.HintsDir).
		Bool("auto_process", mc.AutoProcess).
		Bool("agent", l.Agent != nil).
		Msg("lab started")
	return l, nil
}

// Close stops watching, waits for in-flight incidents up to the shutdown
// timeout and persists the template model.
func (l *Lab) Close() error {
	timeout := l.monitorCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = model.DefaultShutdownTimeout
	}

	var errs []error
	if l.dispatcher != nil {
		if _, err := l.dispatcher.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if l.Watchdog != nil {
		l.Watchdog.Stop(timeout)
	}
	if l.worker != nil {
		l.worker.Close(timeout)
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.Miner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := l.Miner.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush templates: %w", err))
		}
		cancel()
	}
	l.release()
	l.logger.Info().Msg("lab stopped")
	return errors.Join(errs...)
}

// release closes the file-backed resources.
func (l *Lab) release() {
	if l.Index != nil {
		if err := l.Index.Close(); err != nil {
			l.logger.Warn().Err(err).Msg("sop index close failed")
		}
	}
	if l.Channel != nil {
		if err := l.Channel.Close(); err != nil {
			l.logger.Warn().Err(err).Msg("channel close failed")
		}
	}
}

// QuerySOP searches the lab's procedures. An empty index yields no passages.
func (l *Lab) QuerySOP(ctx context.Context, query string, limit int) ([]model.Passage, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	passages, err := l.Index.Query(ctx, query, limit)
	if errors.Is(err, sop.ErrIndexEmpty) {
		return nil, nil
	}
	return passages, err
}

// FormatPassages renders passages as a plain-text answer.
func FormatPassages(passages []model.Passage) string {
	if len(passages) == 0 {
		return "No relevant information found."
	}
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", p.Source, strings.TrimSpace(p.Content))
	}
	return b.String()
}

// Chat sends free-form text to the lab's agent.
func (l *Lab) Chat(ctx context.Context, text string) (string, error) {
	if l.Agent == nil {
		return "", ErrNoAgent
	}
	reply, err := l.Agent.Invoke(ctx, []model.Message{{Role: model.RoleUser, Content: text}})
	if err != nil {
		return "", err
	}
	return reply.Content, nil
}

// Analyze asks the agent to assess pasted log content.
func (l *Lab) Analyze(ctx context.Context, content string) (string, error) {
	return l.Chat(ctx, monitor.AnalyzePrompt(l.ID, content))
}

// RebuildIndex re-reads the SOP directory into the search index.
func (l *Lab) RebuildIndex(ctx context.Context) (sop.Stats, error) {
	return l.Index.Build(ctx)
}

// History returns stored anomalies for this lab, newest first.
func (l *Lab) History(ctx context.Context, limit int) ([]model.AnomalyRecord, error) {
	if l.events == nil {
		return nil, ErrNoHistory
	}
	return l.events.Recent(ctx, l.ID, limit)
}

// NoisyFiles ranks this lab's log files by anomalies stored since the given time.
func (l *Lab) NoisyFiles(ctx context.Context, since time.Time) ([]model.FileCount, error) {
	if l.events == nil {
		return nil, ErrNoHistory
	}
	return l.events.CountsByFile(ctx, l.ID, since)
}
