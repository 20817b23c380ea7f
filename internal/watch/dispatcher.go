// Package watch routes filesystem change events from a lab's log and
// channel directories to the anomaly pipeline and the user-input handler.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// Config names the directories to watch.
type Config struct {
	LogDir     string
	ChannelDir string
	LogSuffix  string
}

// Handlers receive routed events. Both are called on the dispatcher goroutine.
type Handlers struct {
	OnLogModified func(ctx context.Context, path string)
	OnUserInput   func(ctx context.Context)
}

// Dispatcher owns one fsnotify watcher.
type Dispatcher struct {
	cfg      Config
	handlers Handlers
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New subscribes to both directories. The directories must exist.
func New(cfg Config, handlers Handlers, logger zerolog.Logger) (*Dispatcher, error) {
	if cfg.LogSuffix == "" {
		cfg.LogSuffix = model.DefaultLogSuffix
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}

	seen := map[string]bool{}
	for _, dir := range []string{cfg.LogDir, cfg.ChannelDir} {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = dir
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if err := watcher.Add(abs); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("watch: add %s: %w", abs, err)
		}
	}

	return &Dispatcher{
		cfg:      cfg,
		handlers: handlers,
		watcher:  watcher,
		logger:   logger,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins delivering events.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.watchForChanges(ctx)
}

func (d *Dispatcher) watchForChanges(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.dispatch(ctx, event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn().Err(err).Msg("filesystem watcher error")

		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
		return
	}

	name := filepath.Base(event.Name)
	switch {
	case strings.HasSuffix(name, d.cfg.LogSuffix):
		if d.handlers.OnLogModified != nil {
			d.handlers.OnLogModified(ctx, event.Name)
		}
	case name == model.UserInputFileName:
		if d.handlers.OnUserInput != nil {
			d.handlers.OnUserInput(ctx)
		}
	}
}

// Close stops the event loop and releases the watcher, waiting for any
// in-flight handler to return.
func (d *Dispatcher) Close() error {
	_, err := d.Stop(0)
	return err
}

// Stop is Close with a bound on how long to wait for an in-flight handler.
// A zero timeout waits indefinitely. It reports whether the loop exited.
func (d *Dispatcher) Stop(timeout time.Duration) (bool, error) {
	d.stopOnce.Do(func() { close(d.stopChan) })
	err := d.watcher.Close()

	exited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(exited)
	}()
	if timeout <= 0 {
		<-exited
		return true, err
	}
	select {
	case <-exited:
		return true, err
	case <-time.After(timeout):
		d.logger.Warn().Dur("timeout", timeout).Msg("watch dispatcher did not stop in time")
		return false, err
	}
}
