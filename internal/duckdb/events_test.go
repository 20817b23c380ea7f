package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/labwatch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func anomaly(id, lab, path string, at time.Time) model.AnomalyRecord {
	return model.AnomalyRecord{
		ID:         id,
		LabID:      lab,
		Path:       path,
		Line:       "ERROR step failed " + id,
		ClusterID:  3,
		Template:   "ERROR step failed <*>",
		ChangeType: model.ChangeClusterCreated,
		DetectedAt: at,
	}
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAnomaly(ctx, anomaly("a", "lab1", "/logs/a.log", base)))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("b", "lab1", "/logs/a.log", base.Add(time.Minute))))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("c", "lab2", "/logs/c.log", base)))

	recs, err := s.Recent(ctx, "lab1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "a", recs[1].ID)
	assert.Equal(t, int64(3), recs[0].ClusterID)
	assert.Equal(t, model.ChangeClusterCreated, recs[0].ChangeType)
	assert.True(t, recs[0].DetectedAt.Equal(base.Add(time.Minute)))

	recs, err = s.Recent(ctx, "lab1", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRecordUnclustered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := anomaly("u", "lab1", "/logs/a.log", time.Now())
	rec.ClusterID = 0
	rec.Template = ""
	rec.ChangeType = ""
	require.NoError(t, s.RecordAnomaly(ctx, rec))

	recs, err := s.Recent(ctx, "lab1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Zero(t, recs[0].ClusterID)
	assert.Equal(t, model.ChangeNone, recs[0].ChangeType)
}

func TestCountsByFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RecordAnomaly(ctx, anomaly("1", "lab1", "/logs/a.log", now)))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("2", "lab1", "/logs/a.log", now)))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("3", "lab1", "/logs/b.log", now)))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("4", "lab1", "/logs/b.log", now.Add(-48*time.Hour))))

	counts, err := s.CountsByFile(ctx, "lab1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, model.FileCount{Path: "/logs/a.log", Count: 2}, counts[0])
	assert.Equal(t, model.FileCount{Path: "/logs/b.log", Count: 1}, counts[1])
}

func TestDeleteBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RecordAnomaly(ctx, anomaly("old", "lab1", "/logs/a.log", now.Add(-40*24*time.Hour))))
	require.NoError(t, s.RecordAnomaly(ctx, anomaly("new", "lab1", "/logs/a.log", now)))

	n, err := s.DeleteBefore(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.Recent(ctx, "lab1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].ID)
}

func TestNewStoreOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.duckdb")
	s, err := NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, path, s.DBPath())
	require.NoError(t, s.RecordAnomaly(context.Background(), anomaly("x", "lab1", "/l", time.Now())))
	require.NoError(t, s.Close())

	// reopening must not re-run the applied migration
	s, err = NewStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.Recent(context.Background(), "lab1", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
