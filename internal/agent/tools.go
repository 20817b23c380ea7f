package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// ErrNoControllerPath means no automation controller executable is configured.
var ErrNoControllerPath = errors.New("automation controller path is not configured")

// Anomalies hands out pending anomalies, clearing them.
type Anomalies interface {
	Drain() []model.AnomalyRecord
}

// Controller is the command side of a lab channel.
type Controller interface {
	SendCommand(name string, params map[string]any, priority string) (string, error)
	LatestHeartbeat() (model.HeartbeatRecord, bool)
}

// LabTools binds the agent's tools to one lab.
type LabTools struct {
	LabID          string
	Retriever      model.Retriever
	Anomalies      Anomalies
	Controller     Controller
	ControllerPath string
	CrashTimeout   time.Duration
	Now            func() time.Time

	// Launch starts the controller. Defaults to running ControllerPath
	// detached from labwatch.
	Launch func(ctx context.Context, path string) error
}

// Tools returns the tool set: query_sop, check_logs, send_command,
// get_controller_status and restart_controller.
func (lt LabTools) Tools() []Tool {
	return []Tool{
		{
			Name:        "query_sop",
			Description: "Search the lab's standard operating procedures for guidance.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "What to look up."},
				},
				"required": []string{"query"},
			},
			Run: lt.querySOP,
		},
		{
			Name:        "check_logs",
			Description: "Return and clear the anomalies detected in the lab's logs since the last check.",
			Run:         lt.checkLogs,
		},
		{
			Name:        "send_command",
			Description: "Queue a command for the lab's automation controller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":  map[string]any{"type": "string"},
					"params":   map[string]any{"type": "object"},
					"priority": map[string]any{"type": "string", "enum": []string{"low", "normal", "high"}},
				},
				"required": []string{"command"},
			},
			Run: lt.sendCommand,
		},
		{
			Name:        "get_controller_status",
			Description: "Report the automation controller's last heartbeat and whether it is alive.",
			Run:         lt.controllerStatus,
		},
		{
			Name:        "restart_controller",
			Description: "Start the automation controller application.",
			Run:         lt.restartController,
		},
	}
}

func (lt LabTools) querySOP(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("query_sop: bad arguments: %w", err)
	}
	if lt.Retriever == nil || strings.TrimSpace(args.Query) == "" {
		return "No relevant information found.", nil
	}
	passages, err := lt.Retriever.Query(ctx, args.Query, 3)
	if err != nil {
		return "", fmt.Errorf("query_sop: %w", err)
	}
	if len(passages) == 0 {
		return "No relevant information found.", nil
	}
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", p.Source, p.Content)
	}
	return b.String(), nil
}

func (lt LabTools) checkLogs(context.Context, json.RawMessage) (string, error) {
	if lt.Anomalies == nil {
		return "No anomalies detected.", nil
	}
	pending := lt.Anomalies.Drain()
	if len(pending) == 0 {
		return "No anomalies detected.", nil
	}
	lines := make([]string, 0, len(pending))
	for _, r := range pending {
		lines = append(lines, r.Description())
	}
	return "Anomalies detected:\n" + strings.Join(lines, "\n"), nil
}

func (lt LabTools) sendCommand(_ context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command  string         `json:"command"`
		Params   map[string]any `json:"params"`
		Priority string         `json:"priority"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("send_command: bad arguments: %w", err)
	}
	if lt.Controller == nil {
		return "", errors.New("send_command: no command channel for this lab")
	}
	id, err := lt.Controller.SendCommand(args.Command, args.Params, args.Priority)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Command %q queued with id %s.", args.Command, id), nil
}

func (lt LabTools) controllerStatus(context.Context, json.RawMessage) (string, error) {
	if lt.Controller == nil {
		return "Controller status unknown.", nil
	}
	hb, ok := lt.Controller.LatestHeartbeat()
	if !ok {
		return "No heartbeat has been received from the automation controller.", nil
	}
	now := time.Now
	if lt.Now != nil {
		now = lt.Now
	}
	timeout := lt.CrashTimeout
	if timeout <= 0 {
		timeout = model.DefaultCrashTimeout
	}
	age := hb.Age(now()).Round(time.Second)
	state := "alive"
	if hb.Stale(now(), timeout) {
		state = "unresponsive"
	}
	status, _ := json.Marshal(hb.Status)
	return fmt.Sprintf("Controller is %s. Last heartbeat %s ago (timeout %s). Status: %s", state, age, timeout, status), nil
}

func (lt LabTools) restartController(ctx context.Context, _ json.RawMessage) (string, error) {
	if err := lt.RestartController(ctx); err != nil {
		if errors.Is(err, ErrNoControllerPath) {
			return "Error: " + ErrNoControllerPath.Error(), nil
		}
		return "", err
	}
	return fmt.Sprintf("Automation controller restarted from %s.", lt.ControllerPath), nil
}

// RestartController launches the configured controller executable.
func (lt LabTools) RestartController(ctx context.Context) error {
	if strings.TrimSpace(lt.ControllerPath) == "" {
		return ErrNoControllerPath
	}
	launch := lt.Launch
	if launch == nil {
		launch = startDetached
	}
	if err := launch(ctx, lt.ControllerPath); err != nil {
		return fmt.Errorf("restart controller: %w", err)
	}
	return nil
}

func startDetached(_ context.Context, path string) error {
	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
