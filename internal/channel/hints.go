package channel

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/labwatch/internal/journal"
	"github.com/tinytelemetry/labwatch/internal/model"
)

// AddHint records a new unresolved hint in both the history log and the
// current view. The current view keeps the newest model.MaxCurrentHints.
func (c *Channel) AddHint(severity model.Severity, anomaly, analysis, solution string) (model.Hint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := model.Hint{
		Timestamp:   c.nextStamp(),
		Severity:    severity,
		Anomaly:     anomaly,
		Analysis:    analysis,
		SOPSolution: solution,
		Status:      model.HintUnresolved,
	}

	if err := c.history.Append(h); err != nil {
		return model.Hint{}, fmt.Errorf("channel: add hint: %w", err)
	}

	current := append(c.readCurrent(), h)
	if n := len(current); n > model.MaxCurrentHints {
		current = current[n-model.MaxCurrentHints:]
	}
	if err := c.writeCurrent(current); err != nil {
		return h, err
	}
	return h, nil
}

// CurrentHints returns the unresolved working set, oldest first.
func (c *Channel) CurrentHints() []model.Hint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCurrent()
}

// Resolve removes the hint keyed by timestamp from the current view. History
// is untouched. It reports whether a hint was found.
func (c *Channel) Resolve(timestamp string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.readCurrent()
	kept := current[:0]
	found := false
	for _, h := range current {
		if h.Timestamp == timestamp {
			found = true
			continue
		}
		kept = append(kept, h)
	}
	if !found {
		return false, nil
	}
	return true, c.writeCurrent(kept)
}

// ClearAll empties the current view.
func (c *Channel) ClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeCurrent([]model.Hint{})
}

// BySeverity filters the current view.
func (c *Channel) BySeverity(level model.Severity) []model.Hint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.Hint
	for _, h := range c.readCurrent() {
		if h.Severity == level {
			out = append(out, h)
		}
	}
	return out
}

// Latest returns the most recent current hint.
func (c *Channel) Latest() (model.Hint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.readCurrent()
	if len(current) == 0 {
		return model.Hint{}, false
	}
	return current[len(current)-1], true
}

// History returns every hint ever added, oldest first.
func (c *Channel) History() []model.Hint {
	hints, err := c.history.ReadAll()
	if err != nil {
		c.logger.Debug().Err(err).Msg("hint history read incomplete")
	}
	return hints
}

func (c *Channel) readCurrent() []model.Hint {
	var hints []model.Hint
	journal.ReadJSON(c.Path(model.CurrentHintsFileName), &hints)

	out := make([]model.Hint, 0, len(hints))
	for _, h := range hints {
		if h.Status != model.HintResolved {
			out = append(out, h)
		}
	}
	return out
}

func (c *Channel) writeCurrent(hints []model.Hint) error {
	if err := journal.WriteJSON(c.Path(model.CurrentHintsFileName), hints); err != nil {
		return fmt.Errorf("channel: write current hints: %w", err)
	}
	return nil
}

// nextStamp returns a strictly increasing RFC 3339 timestamp so every hint
// has a unique resolution key. Caller holds c.mu.
func (c *Channel) nextStamp() string {
	now := c.now().UTC()
	if !now.After(c.lastTS) {
		now = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = now
	return now.Format(time.RFC3339Nano)
}
