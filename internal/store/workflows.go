package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/workflow"
)

// SaveWorkflow upserts a workflow snapshot.
func (s *Store) SaveWorkflow(ctx context.Context, snap workflow.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", snap.ID, err)
	}
	degraded := snap.Report != nil && snap.Report.Degraded

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, status, product_category, progress, degraded, error_message, snapshot, submitted_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			degraded = EXCLUDED.degraded,
			error_message = EXCLUDED.error_message,
			snapshot = EXCLUDED.snapshot,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		snap.ID, string(snap.Status), snap.Input.ProductCategory, snap.Progress,
		degraded, snap.Error, data, snap.SubmittedAt, snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", snap.ID, err)
	}
	return nil
}

// GetWorkflow loads a snapshot by ID. A missing row yields
// workflow.ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (workflow.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM workflows WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Snapshot{}, workflow.ErrNotFound
	}
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("get workflow %s: %w", id, err)
	}

	var snap workflow.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return workflow.Snapshot{}, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return snap, nil
}

// ListWorkflows returns the most recently submitted workflows, newest
// first. An empty status matches every status.
func (s *Store) ListWorkflows(ctx context.Context, status pipeline.Status, limit int) ([]workflow.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT snapshot
		FROM workflows
		WHERE $1 = '' OR status = $1
		ORDER BY submitted_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []workflow.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var snap workflow.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
