package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Segment is one transcript segment. ID is the citation key, unique within
// the meeting and contiguous from 1.
type Segment struct {
	MeetingID  int64    `json:"-"`
	ID         int      `json:"id"`
	StartMs    int64    `json:"start_ms"`
	EndMs      int64    `json:"end_ms"`
	Speaker    string   `json:"speaker"`
	Source     string   `json:"source,omitempty"` // "mic" or "system"
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ValidateSegments checks that segs are ordered, non-overlapping, have
// start < end and carry IDs 1..N in order.
func ValidateSegments(segs []Segment) error {
	for i, s := range segs {
		if s.ID != i+1 {
			return fmt.Errorf("segment %d: id %d, want %d", i, s.ID, i+1)
		}
		if s.StartMs >= s.EndMs {
			return fmt.Errorf("segment %d: start %d not before end %d", s.ID, s.StartMs, s.EndMs)
		}
		if i > 0 && s.StartMs < segs[i-1].EndMs {
			return fmt.Errorf("segment %d: starts at %d before previous end %d", s.ID, s.StartMs, segs[i-1].EndMs)
		}
		if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
			return fmt.Errorf("segment %d: confidence %v out of range", s.ID, *s.Confidence)
		}
	}
	return nil
}

// ListSegments returns the transcript of a meeting ordered by start.
func (db *DB) ListSegments(ctx context.Context, meetingID int64) ([]Segment, error) {
	rows, err := db.SQL.QueryContext(ctx, `
		SELECT meeting_id, id, start_ms, end_ms, speaker, source, text, confidence
		FROM transcript_segments
		WHERE meeting_id = ?
		ORDER BY start_ms, id
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segs := []Segment{}
	for rows.Next() {
		var (
			s    Segment
			conf sql.NullFloat64
		)
		if err := rows.Scan(&s.MeetingID, &s.ID, &s.StartMs, &s.EndMs, &s.Speaker, &s.Source, &s.Text, &conf); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if conf.Valid {
			c := conf.Float64
			s.Confidence = &c
		}
		segs = append(segs, s)
	}
	return segs, rows.Err()
}

// CountSegments returns how many segments a meeting has.
func (db *DB) CountSegments(ctx context.Context, meetingID int64) (int, error) {
	var n int
	err := db.SQL.QueryRowContext(ctx,
		`SELECT count(*) FROM transcript_segments WHERE meeting_id = ?`, meetingID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// ReplaceSegments atomically swaps the transcript of a meeting and sets its
// status. Any existing summary is removed in the same transaction because its
// citations point at the old segment IDs.
func (db *DB) ReplaceSegments(ctx context.Context, meetingID int64, segs []Segment, status MeetingStatus) error {
	if err := ValidateSegments(segs); err != nil {
		return fmt.Errorf("replace segments: %w", err)
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE meeting_id = ?`, meetingID); err != nil {
			return fmt.Errorf("delete segments: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO transcript_segments (meeting_id, id, start_ms, end_ms, speaker, source, text, confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range segs {
			var conf any
			if s.Confidence != nil {
				conf = *s.Confidence
			}
			if _, err := stmt.ExecContext(ctx, meetingID, s.ID, s.StartMs, s.EndMs, s.Speaker, s.Source, s.Text, conf); err != nil {
				return fmt.Errorf("insert segment %d: %w", s.ID, err)
			}
		}
		return setStatus(ctx, tx, meetingID, status)
	})
}
