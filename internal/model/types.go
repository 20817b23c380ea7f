package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Severity is the operator-facing weight of a hint.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// HintStatus tracks whether an operator has dealt with a hint.
type HintStatus string

const (
	HintUnresolved HintStatus = "unresolved"
	HintResolved   HintStatus = "resolved"
)

// ChangeType is the pattern miner's verdict for one line.
// Anything other than ChangeNone is treated as an anomaly.
type ChangeType string

const (
	ChangeNone            ChangeType = "none"
	ChangeClusterCreated  ChangeType = "cluster_created"
	ChangeTemplateChanged ChangeType = "template_changed"
)

// Hint is a human-readable incident record shared with the operator UI.
// Timestamp doubles as the hint key for resolution.
type Hint struct {
	Timestamp   string     `json:"timestamp"`
	Severity    Severity   `json:"severity"`
	Anomaly     string     `json:"anomaly"`
	Analysis    string     `json:"analysis"`
	SOPSolution string     `json:"sop_solution"`
	Status      HintStatus `json:"status"`
}

// Command is a request for the external automation controller.
// Timestamp is unix seconds, the format the controller already consumes.
type Command struct {
	ID        string         `json:"id"`
	Timestamp float64        `json:"timestamp"`
	Command   string         `json:"command"`
	Params    map[string]any `json:"params"`
	Priority  string         `json:"priority"`
}

// HeartbeatRecord is the controller's self-reported liveness.
// Every field other than timestamp is kept verbatim in Status.
type HeartbeatRecord struct {
	Timestamp float64
	Status    map[string]any
}

// Time converts the unix-seconds timestamp.
func (h HeartbeatRecord) Time() time.Time {
	sec, frac := math.Modf(h.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Age reports how long ago the controller last wrote its heartbeat.
func (h HeartbeatRecord) Age(now time.Time) time.Duration {
	return now.Sub(h.Time())
}

// Stale reports whether the heartbeat is older than timeout.
func (h HeartbeatRecord) Stale(now time.Time, timeout time.Duration) bool {
	return h.Age(now) > timeout
}

func (h *HeartbeatRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := heartbeatTimestamp(raw["timestamp"])
	if err != nil {
		return err
	}
	delete(raw, "timestamp")
	h.Timestamp = ts
	h.Status = raw
	return nil
}

// heartbeatTimestamp accepts unix seconds as a number or numeric string,
// or an RFC 3339 string.
func heartbeatTimestamp(v any) (float64, error) {
	switch ts := v.(type) {
	case float64:
		return ts, nil
	case string:
		if f, err := strconv.ParseFloat(ts, 64); err == nil {
			return f, nil
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return 0, fmt.Errorf("heartbeat: bad timestamp %q", ts)
		}
		return float64(t.UnixNano()) / 1e9, nil
	}
	return 0, fmt.Errorf("heartbeat: missing timestamp")
}

func (h HeartbeatRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Status)+1)
	for k, v := range h.Status {
		out[k] = v
	}
	out["timestamp"] = h.Timestamp
	return json.Marshal(out)
}

// UserInputRecord is a pending operator instruction placed by the controller.
type UserInputRecord struct {
	Input     string  `json:"input"`
	User      string  `json:"user"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Ack is an acknowledgement object written by the controller. Its shape
// belongs to the controller, so it is kept as a loose map.
type Ack map[string]any

// AnomalyRecord is one detected anomaly.
type AnomalyRecord struct {
	ID         string     `json:"id"`
	LabID      string     `json:"lab_id"`
	Path       string     `json:"path"`
	Line       string     `json:"line"`
	ClusterID  int64      `json:"cluster_id"`
	Template   string     `json:"template"`
	ChangeType ChangeType `json:"change_type"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Description is the free-text form used in alerts and tool output.
func (r AnomalyRecord) Description() string {
	return fmt.Sprintf("Anomaly detected in %s: %s", r.Path, r.Line)
}

// Role names a participant in an agent conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of an agent conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// FileCount is the number of anomalies seen in one log file.
type FileCount struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

// Passage is a retrieved slice of an SOP document.
type Passage struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
