package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// RecordAnomaly stores one anomaly. Unclustered lines keep a NULL cluster id.
func (s *Store) RecordAnomaly(ctx context.Context, rec model.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var cluster sql.NullInt64
	if rec.ClusterID > 0 {
		cluster = sql.NullInt64{Int64: rec.ClusterID, Valid: true}
	}
	changeType := rec.ChangeType
	if changeType == "" {
		changeType = model.ChangeNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_events (id, lab_id, path, line, cluster_id, template, change_type, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LabID, rec.Path, rec.Line, cluster, rec.Template, string(changeType), rec.DetectedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("duckdb: insert anomaly: %w", err)
	}
	return nil
}

// Recent returns the newest anomalies for a lab, newest first.
func (s *Store) Recent(ctx context.Context, labID string, limit int) ([]model.AnomalyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lab_id, path, line, cluster_id, template, change_type, detected_at
		FROM anomaly_events
		WHERE lab_id = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`, labID, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: recent anomalies: %w", err)
	}
	defer rows.Close()

	var out []model.AnomalyRecord
	for rows.Next() {
		var (
			rec        model.AnomalyRecord
			cluster    sql.NullInt64
			template   sql.NullString
			changeType string
		)
		if err := rows.Scan(&rec.ID, &rec.LabID, &rec.Path, &rec.Line, &cluster, &template, &changeType, &rec.DetectedAt); err != nil {
			return nil, fmt.Errorf("duckdb: scan anomaly: %w", err)
		}
		rec.ClusterID = cluster.Int64
		rec.Template = template.String
		rec.ChangeType = model.ChangeType(changeType)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountsByFile returns per-file anomaly totals for a lab since the given time.
func (s *Store) CountsByFile(ctx context.Context, labID string, since time.Time) ([]model.FileCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT path, COUNT(*) AS count
		FROM anomaly_events
		WHERE lab_id = ? AND detected_at >= ?
		GROUP BY path
		ORDER BY count DESC, path`, labID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("duckdb: counts by file: %w", err)
	}
	defer rows.Close()

	var out []model.FileCount
	for rows.Next() {
		var fc model.FileCount
		if err := rows.Scan(&fc.Path, &fc.Count); err != nil {
			return nil, fmt.Errorf("duckdb: scan count: %w", err)
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// DeleteBefore removes events detected before cutoff and returns the row count.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM anomaly_events WHERE detected_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete expired: %w", err)
	}
	return res.RowsAffected()
}
