package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
)

// SaveJob upserts a job record. It implements jobs.Persister.
func (db *DB) SaveJob(ctx context.Context, r jobs.Record) error {
	var result any
	if len(r.Result) > 0 {
		result = string(r.Result)
	}
	_, err := db.SQL.ExecContext(ctx, `
		INSERT INTO jobs (kind, key, run_id, status, progress, message, result, error, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, key) DO UPDATE SET
			run_id = excluded.run_id,
			status = excluded.status,
			progress = excluded.progress,
			message = excluded.message,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at
	`,
		string(r.Kind), r.Key, r.RunID, string(r.Status), r.Progress, r.Message, result, r.Error,
		nullMillis(r.StartedAt), nullMillis(r.UpdatedAt), nullMillis(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save job %s/%s: %w", r.Kind, r.Key, err)
	}
	return nil
}

// LoadJobs returns every persisted job record.
func (db *DB) LoadJobs(ctx context.Context) ([]jobs.Record, error) {
	rows, err := db.SQL.QueryContext(ctx, `
		SELECT kind, key, run_id, status, progress, message, result, error, started_at, updated_at, finished_at
		FROM jobs
		ORDER BY kind, key
	`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Record
	for rows.Next() {
		var (
			r                          jobs.Record
			kind, status               string
			result                     sql.NullString
			started, updated, finished sql.NullInt64
		)
		if err := rows.Scan(&kind, &r.Key, &r.RunID, &status, &r.Progress, &r.Message, &result, &r.Error,
			&started, &updated, &finished); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		r.Kind = jobs.Kind(kind)
		r.Status = jobs.Status(status)
		if result.Valid && result.String != "" {
			r.Result = json.RawMessage(result.String)
		}
		r.StartedAt = timePtr(started)
		r.UpdatedAt = timePtr(updated)
		r.FinishedAt = timePtr(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteJobs removes persisted job records for key.
func (db *DB) DeleteJobs(ctx context.Context, key string) error {
	if _, err := db.SQL.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete jobs for %s: %w", key, err)
	}
	return nil
}
