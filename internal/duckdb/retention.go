package duckdb

import (
	"context"
	"sync"
	"time"
)

const defaultRetentionInterval = time.Hour

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
}

// RetentionCleaner periodically deletes anomaly events older than the
// retention period.
type RetentionCleaner struct {
	store    *Store
	cfg      RetentionConfig
	now      func() time.Time
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRetentionCleaner starts a cleaner. Returns nil when retention is
// disabled (RetentionDays <= 0).
func NewRetentionCleaner(store *Store, cfg RetentionConfig) *RetentionCleaner {
	if cfg.RetentionDays <= 0 {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRetentionInterval
	}

	rc := &RetentionCleaner{
		store: store,
		cfg:   cfg,
		now:   time.Now,
		done:  make(chan struct{}),
	}

	// catch up after downtime
	rc.Cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.Cleanup()
		case <-rc.done:
			return
		}
	}
}

// Cleanup runs one deletion pass and returns the number of removed events.
func (rc *RetentionCleaner) Cleanup() int64 {
	cutoff := rc.now().Add(-time.Duration(rc.cfg.RetentionDays) * 24 * time.Hour)

	rows, err := rc.store.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		rc.store.logger.Error().Err(err).Msg("retention cleanup failed")
		return 0
	}
	if rows > 0 {
		rc.store.logger.Info().Int64("deleted", rows).Int("retention_days", rc.cfg.RetentionDays).Msg("retention cleanup removed expired events")
	}
	return rows
}

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
