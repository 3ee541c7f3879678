package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Citation sections.
const (
	SectionAbstract = "abstract"
	SectionBullets  = "bullets"
)

// Summary is the cited summary of a meeting.
type Summary struct {
	MeetingID  int64     `json:"meeting_id"`
	Length     string    `json:"length"`
	AbstractMD string    `json:"abstract_md"`
	BulletsMD  []string  `json:"bullets_md"`
	Model      string    `json:"model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Citation links a summary section to a transcript segment.
type Citation struct {
	SegmentID int    `json:"segment_id"`
	Section   string `json:"section"`
}

// GetSummary returns the summary of a meeting or ErrNotFound.
func (db *DB) GetSummary(ctx context.Context, meetingID int64) (*Summary, error) {
	var (
		s       Summary
		bullets string
		created int64
	)
	err := db.SQL.QueryRowContext(ctx, `
		SELECT meeting_id, length, abstract_md, bullets_md, model, created_at
		FROM summaries WHERE meeting_id = ?
	`, meetingID).Scan(&s.MeetingID, &s.Length, &s.AbstractMD, &bullets, &s.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for meeting %d: %w", meetingID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	if err := json.Unmarshal([]byte(bullets), &s.BulletsMD); err != nil {
		return nil, fmt.Errorf("decode bullets: %w", err)
	}
	if s.BulletsMD == nil {
		s.BulletsMD = []string{}
	}
	s.CreatedAt = fromMillis(created)
	return &s, nil
}

// ReplaceSummary writes the summary, its citation index and the meeting
// status in one transaction. Citations must reference existing segments of
// the meeting; the foreign key rejects anything else.
func (db *DB) ReplaceSummary(ctx context.Context, s Summary, cites []Citation, status MeetingStatus) error {
	bullets := s.BulletsMD
	if bullets == nil {
		bullets = []string{}
	}
	raw, err := json.Marshal(bullets)
	if err != nil {
		return fmt.Errorf("encode bullets: %w", err)
	}
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE meeting_id = ?`, s.MeetingID); err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO summaries (meeting_id, length, abstract_md, bullets_md, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.MeetingID, s.Length, s.AbstractMD, string(raw), s.Model, toMillis(created))
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		for _, c := range cites {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO summary_citations (meeting_id, segment_id, section)
				VALUES (?, ?, ?)
			`, s.MeetingID, c.SegmentID, c.Section)
			if err != nil {
				return fmt.Errorf("insert citation #%d: %w", c.SegmentID, err)
			}
		}
		return setStatus(ctx, tx, s.MeetingID, status)
	})
}

// ListCitations returns the citation index of a meeting's summary.
func (db *DB) ListCitations(ctx context.Context, meetingID int64) ([]Citation, error) {
	rows, err := db.SQL.QueryContext(ctx, `
		SELECT segment_id, section
		FROM summary_citations
		WHERE meeting_id = ?
		ORDER BY section, segment_id
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()

	cites := []Citation{}
	for rows.Next() {
		var c Citation
		if err := rows.Scan(&c.SegmentID, &c.Section); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		cites = append(cites, c)
	}
	return cites, rows.Err()
}
