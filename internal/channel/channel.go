// Package channel implements the file-backed protocol shared with the
// external automation controller: commands out; heartbeat, user input and
// acknowledgements in; and the operator-facing hint records.
//
// Reads never fail. A missing, empty or malformed record is reported as
// absent.
package channel

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/journal"
	"github.com/tinytelemetry/labwatch/internal/model"
)

// Channel is one lab's set of durable records. All operations are
// serialized on a single mutex; record volume is low and operator driven.
type Channel struct {
	mu      sync.Mutex
	dir     string
	history *journal.Journal[model.Hint]
	now     func() time.Time
	lastTS  time.Time
	logger  zerolog.Logger
}

// Open prepares dir and the hint history journal inside it.
func Open(dir string, logger zerolog.Logger) (*Channel, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("channel: directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("channel: create %s: %w", dir, err)
	}
	hist, err := journal.Open[model.Hint](filepath.Join(dir, model.HintsHistoryFileName))
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	return &Channel{
		dir:     dir,
		history: hist,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// SetClock replaces the time source. Tests only.
func (c *Channel) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Dir returns the directory holding the records.
func (c *Channel) Dir() string { return c.dir }

// Path returns the location of the named record.
func (c *Channel) Path(name string) string { return filepath.Join(c.dir, name) }

// Close releases the history journal.
func (c *Channel) Close() error {
	return c.history.Close()
}

// SendCommand appends a command for the controller and returns its id.
// An empty priority means model.DefaultPriority.
func (c *Channel) SendCommand(name string, params map[string]any, priority string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("channel: command name is empty")
	}
	if priority == "" {
		priority = model.DefaultPriority
	}
	if params == nil {
		params = map[string]any{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := model.Command{
		ID:        uuid.NewString(),
		Timestamp: unixSeconds(c.now()),
		Command:   name,
		Params:    params,
		Priority:  priority,
	}

	var cmds []model.Command
	journal.ReadJSON(c.Path(model.CommandsFileName), &cmds)
	cmds = append(cmds, cmd)
	if err := journal.WriteJSON(c.Path(model.CommandsFileName), cmds); err != nil {
		return "", fmt.Errorf("channel: send command %s: %w", name, err)
	}

	c.logger.Info().Str("command", name).Str("id", cmd.ID).Str("priority", priority).Msg("command queued")
	return cmd.ID, nil
}

// Commands returns every command written so far, oldest first.
func (c *Channel) Commands() []model.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cmds []model.Command
	journal.ReadJSON(c.Path(model.CommandsFileName), &cmds)
	return cmds
}

// LatestHeartbeat returns the controller's heartbeat, if a valid one exists.
func (c *Channel) LatestHeartbeat() (model.HeartbeatRecord, bool) {
	var hb model.HeartbeatRecord
	if !journal.ReadJSON(c.Path(model.HeartbeatFileName), &hb) {
		return model.HeartbeatRecord{}, false
	}
	return hb, true
}

// ReadUserInput consumes the pending operator instruction. The record is
// overwritten with {} so the same input is never returned twice.
func (c *Channel) ReadUserInput() (model.UserInputRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.Path(model.UserInputFileName)
	var rec model.UserInputRecord
	if !journal.ReadJSON(path, &rec) || strings.TrimSpace(rec.Input) == "" {
		return model.UserInputRecord{}, false
	}
	if err := journal.WriteFileAtomic(path, []byte("{}")); err != nil {
		// Returning the input anyway could deliver it twice.
		c.logger.Warn().Err(err).Msg("user input not cleared, ignoring it")
		return model.UserInputRecord{}, false
	}
	return rec, true
}

// Acknowledgements returns the controller's acks in file order.
func (c *Channel) Acknowledgements() []model.Ack {
	var acks []model.Ack
	if !journal.ReadJSON(c.Path(model.AcksFileName), &acks) {
		return []model.Ack{}
	}
	return acks
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
