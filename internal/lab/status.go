package lab

import (
	"context"
	"time"

	"github.com/tinytelemetry/labwatch/internal/metrics"
)

// ControllerStatus describes the automation controller as seen through its
// heartbeat record.
type ControllerStatus struct {
	Alive          bool           `json:"alive"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	AgeSeconds     float64        `json:"age_seconds"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	Reported       map[string]any `json:"reported,omitempty"`
}

// Status is the lab summary served by the status endpoint.
type Status struct {
	LabID            string               `json:"lab_id"`
	Name             string               `json:"name"`
	Status           string               `json:"status"`
	DocumentsIndexed int                  `json:"documents_indexed"`
	ChunksIndexed    int                  `json:"chunks_indexed"`
	AutoProcess      bool                 `json:"auto_process"`
	AgentEnabled     bool                 `json:"agent_enabled"`
	Controller       ControllerStatus     `json:"controller"`
	PendingAnomalies int                  `json:"pending_anomalies"`
	EvictedAnomalies int64                `json:"evicted_anomalies"`
	CurrentHints     int                  `json:"current_hints"`
	Clusters         int                  `json:"clusters"`
	LinesClassified  int64                `json:"lines_classified"`
	TrackedFiles     int                  `json:"tracked_files"`
	UptimeSeconds    float64              `json:"uptime_seconds"`
	Host             metrics.HostSnapshot `json:"host"`
}

// Status gathers the lab summary. Host metrics are sampled from the disk
// holding the lab's log directory.
func (l *Lab) Status(ctx context.Context) Status {
	now := time.Now()
	index := l.Index.Stats()
	clusters, total := l.Miner.Stats()

	return Status{
		LabID:            l.ID,
		Name:             l.Settings.Name,
		Status:           "active",
		DocumentsIndexed: index.Documents,
		ChunksIndexed:    index.Chunks,
		AutoProcess:      l.monitorCfg.AutoProcess,
		AgentEnabled:     l.Agent != nil,
		Controller:       l.controllerStatus(now),
		PendingAnomalies: l.Buffer.Len(),
		EvictedAnomalies: l.Buffer.Evicted(),
		CurrentHints:     len(l.Channel.CurrentHints()),
		Clusters:         clusters,
		LinesClassified:  total,
		TrackedFiles:     l.Tracker.Len(),
		UptimeSeconds:    now.Sub(l.started).Seconds(),
		Host:             metrics.Host(ctx, l.Settings.LogDir),
	}
}

func (l *Lab) controllerStatus(now time.Time) ControllerStatus {
	timeout := l.monitorCfg.CrashTimeout
	cs := ControllerStatus{TimeoutSeconds: timeout.Seconds()}

	hb, ok := l.Channel.LatestHeartbeat()
	if !ok {
		return cs
	}
	last := hb.Time()
	cs.LastHeartbeat = &last
	cs.AgeSeconds = hb.Age(now).Seconds()
	cs.Alive = !hb.Stale(now, timeout)
	cs.Reported = hb.Status
	return cs
}
