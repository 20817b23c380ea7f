// Package patterns classifies log lines against an online, incrementally
// trained template model (Drain). Any line that creates a cluster or
// changes an existing template is a candidate anomaly.
package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jaeyo/go-drain3/pkg/drain3"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// Config tunes the Drain tree. Zero values fall back to drain3 defaults.
type Config struct {
	Depth           int64
	SimThreshold    float64
	MaxChildren     int64
	MaxClusters     int
	ExtraDelimiters []string
}

// Result is the classification of one line.
type Result struct {
	ClusterID    int64
	HasCluster   bool
	Template     string
	Change       model.ChangeType
	ClusterCount int
}

// Anomalous reports whether the line changed the model.
func (r Result) Anomalous() bool {
	return r.Change != model.ChangeNone
}

// Pattern is a mined template with its observed count.
type Pattern struct {
	ClusterID int64  `json:"cluster_id"`
	Template  string `json:"template"`
	Count     int64  `json:"count"`
}

// Miner wraps a drain3 model. Drain itself is not safe for concurrent use.
type Miner struct {
	mu     sync.Mutex
	cfg    Config
	drain  *drain3.Drain
	miner  *drain3.TemplateMiner
	store  drain3.PersistenceHandler
	total  int64
	logger zerolog.Logger
}

// New builds a miner, resuming from persisted state when store holds any.
// Unreadable or corrupt state is logged and the model starts empty.
func New(ctx context.Context, cfg Config, store drain3.PersistenceHandler, logger zerolog.Logger) (*Miner, error) {
	if store == nil {
		store = drain3.NewMemoryPersistence()
	}
	m := &Miner{cfg: cfg, store: store, logger: logger}

	d, err := m.load(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("discarding unreadable template state")
	}
	if d == nil {
		d, err = newDrain(cfg)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Info().Int("clusters", d.IdToCluster.Len()).Msg("resumed template state")
	}
	m.drain = d
	m.miner = drain3.NewTemplateMiner(d, store)
	return m, nil
}

func newDrain(cfg Config) (*drain3.Drain, error) {
	cfg = cfg.withDefaults()
	d, err := drain3.NewDrain(
		drain3.WithDepth(cfg.Depth),
		drain3.WithSimTh(cfg.SimThreshold),
		drain3.WithMaxChildren(cfg.MaxChildren),
		drain3.WithMaxCluster(cfg.MaxClusters),
		drain3.WithExtraDelimiter(cfg.ExtraDelimiters),
	)
	if err != nil {
		return nil, fmt.Errorf("patterns: new drain: %w", err)
	}
	return d, nil
}

func (c Config) withDefaults() Config {
	if c.Depth == 0 {
		c.Depth = 4
	}
	if c.SimThreshold == 0 {
		c.SimThreshold = 0.4
	}
	if c.MaxChildren == 0 {
		c.MaxChildren = 100
	}
	if c.MaxClusters == 0 {
		c.MaxClusters = 1000
	}
	if c.ExtraDelimiters == nil {
		c.ExtraDelimiters = []string{}
	}
	return c
}

func (m *Miner) load(ctx context.Context) (*drain3.Drain, error) {
	state, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(state) == 0 {
		return nil, nil
	}
	var d drain3.Drain
	if err := json.Unmarshal(state, &d); err != nil {
		return nil, fmt.Errorf("patterns: decode state: %w", err)
	}
	if d.IdToCluster == nil || d.RootNode == nil {
		return nil, fmt.Errorf("patterns: decode state: incomplete model")
	}
	return &d, nil
}

// Classify feeds line to the model and reports how the model changed.
// State is persisted whenever the model changes; a failed save is logged
// and does not affect the classification.
func (m *Miner) Classify(ctx context.Context, line string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster, update, err := m.drain.AddLogMessage(line)
	if err != nil {
		return Result{}, fmt.Errorf("patterns: classify: %w", err)
	}
	m.total++

	res := Result{
		Change:       changeType(update),
		ClusterCount: m.drain.IdToCluster.Len(),
	}
	if cluster != nil {
		res.HasCluster = true
		res.ClusterID = cluster.ClusterId
		res.Template = cluster.GetTemplate()
	}

	if update != drain3.ClusterUpdateTypeNone {
		if err := m.miner.SaveState(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("template state not saved")
		}
	}
	return res, nil
}

// TopPatterns returns up to n patterns ordered by count, largest first.
func (m *Miner) TopPatterns(n int) []Pattern {
	m.mu.Lock()
	clusters := m.drain.GetClusters()
	m.mu.Unlock()

	out := make([]Pattern, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, Pattern{ClusterID: c.ClusterId, Template: c.GetTemplate(), Count: c.Size})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ClusterID < out[j].ClusterID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Stats returns the number of clusters and the number of lines classified
// since this process started.
func (m *Miner) Stats() (clusters int, total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drain.IdToCluster.Len(), m.total
}

// Parameters extracts the variable parts of line under template.
func (m *Miner) Parameters(template, line string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.miner.GetParameterList(template, strings.TrimSpace(line))
}

// Flush persists the current model unconditionally.
func (m *Miner) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.miner.SaveState(ctx)
}

func changeType(u drain3.ClusterUpdateType) model.ChangeType {
	switch u {
	case drain3.ClusterUpdateTypeCreated:
		return model.ChangeClusterCreated
	case drain3.ClusterUpdateTypeTemplateChanged:
		return model.ChangeTemplateChanged
	default:
		return model.ChangeNone
	}
}
