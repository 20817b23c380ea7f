package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/cooldown"
	"github.com/tinytelemetry/labwatch/internal/metrics"
	"github.com/tinytelemetry/labwatch/internal/model"
)

// HeartbeatSource returns the controller's latest heartbeat, if any.
type HeartbeatSource interface {
	LatestHeartbeat() (model.HeartbeatRecord, bool)
}

// WatchdogConfig holds per-lab watchdog settings.
type WatchdogConfig struct {
	LabID        string
	AutoProcess  bool
	Channels     []string
	CrashTimeout time.Duration
	Interval     time.Duration
}

// Watchdog polls the controller heartbeat and alerts when it goes stale.
// Each poll is evaluated from scratch; repeated alerts are held back only
// by the shared cooldown under model.CrashCooldownKey.
type Watchdog struct {
	cfg       WatchdogConfig
	heartbeat HeartbeatSource
	limiter   *cooldown.Limiter
	agent     model.Agent
	notifier  model.Notifier
	hints     HintWriter
	exec      Executor
	now       func() time.Time
	logger    zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatchdogDeps are the collaborators a Watchdog needs. Agent, Hints and
// Executor are optional.
type WatchdogDeps struct {
	Heartbeat HeartbeatSource
	Limiter   *cooldown.Limiter
	Agent     model.Agent
	Notifier  model.Notifier
	Hints     HintWriter
	Executor  Executor
	Logger    zerolog.Logger
}

func NewWatchdog(cfg WatchdogConfig, deps WatchdogDeps) *Watchdog {
	if cfg.CrashTimeout <= 0 {
		cfg.CrashTimeout = model.DefaultCrashTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = model.DefaultHeartbeatInterval
	}
	exec := deps.Executor
	if exec == nil {
		exec = Inline{}
	}
	return &Watchdog{
		cfg:       cfg,
		heartbeat: deps.Heartbeat,
		limiter:   deps.Limiter,
		agent:     deps.Agent,
		notifier:  deps.Notifier,
		hints:     deps.Hints,
		exec:      exec,
		now:       time.Now,
		logger:    deps.Logger,
		done:      make(chan struct{}),
	}
}

// SetClock replaces the time source. Tests only.
func (w *Watchdog) SetClock(now func() time.Time) { w.now = now }

// Start launches the poll loop.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Check(ctx)
		case <-w.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop and waits at most timeout for it to exit. It
// reports whether the loop exited in time.
func (w *Watchdog) Stop(timeout time.Duration) bool {
	w.stopOnce.Do(func() { close(w.done) })

	exited := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return true
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("heartbeat watchdog did not stop in time")
		return false
	}
}

// Check runs one poll. It reports whether a crash notification was issued.
func (w *Watchdog) Check(ctx context.Context) bool {
	hb, ok := w.heartbeat.LatestHeartbeat()
	if !ok {
		return false
	}
	now := w.now()
	if !hb.Stale(now, w.cfg.CrashTimeout) {
		return false
	}

	age := hb.Age(now)
	metrics.ControllerStale(w.cfg.LabID)
	if !w.limiter.Allow(model.CrashCooldownKey) {
		metrics.Notification(w.cfg.LabID, metrics.KindCrash, metrics.OutcomeSuppressed)
		return false
	}
	w.logger.Warn().Dur("age", age).Dur("timeout", w.cfg.CrashTimeout).Msg("controller heartbeat stale")

	w.exec.Submit(func() { w.handleCrash(ctx, hb, age) })
	return true
}

func (w *Watchdog) handleCrash(ctx context.Context, hb model.HeartbeatRecord, age time.Duration) {
	lab := w.cfg.LabID
	alert := fmt.Sprintf("[labwatch %s] Automation controller unresponsive: last heartbeat %s ago (timeout %s)",
		lab, age.Round(time.Second), w.cfg.CrashTimeout)

	if !w.cfg.AutoProcess || w.agent == nil {
		w.notifier.Send(ctx, alert, w.cfg.Channels...)
		metrics.Notification(lab, metrics.KindCrash, metrics.OutcomeSent)
		return
	}

	start := time.Now()
	reply, err := w.agent.Invoke(ctx, []model.Message{{Role: model.RoleUser, Content: CrashPrompt(lab, hb, age, w.cfg.CrashTimeout)}})
	metrics.ObserveAgent(lab, metrics.KindCrash, time.Since(start).Seconds())
	if err != nil {
		w.logger.Error().Err(err).Msg("automated crash handling failed, sending basic alert")
		w.notifier.Send(ctx, fmt.Sprintf("%s\nAutomated handling failed: %v", alert, err), w.cfg.Channels...)
		metrics.Notification(lab, metrics.KindCrash, metrics.OutcomeFallback)
		return
	}

	w.notifier.Send(ctx, banner(lab, "Controller crash analysis", reply.Content), w.cfg.Channels...)
	metrics.Notification(lab, metrics.KindCrash, metrics.OutcomeSent)

	if w.hints == nil {
		return
	}
	analysis, action := splitRecommendation(reply.Content)
	anomaly := fmt.Sprintf("Automation controller heartbeat stale for %s", age.Round(time.Second))
	if _, err := w.hints.AddHint(model.SeverityError, anomaly, analysis, action); err != nil {
		w.logger.Warn().Err(err).Msg("hint not recorded")
	}
}
