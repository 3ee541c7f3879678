package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MeetingStatus is the lifecycle state of a meeting.
type MeetingStatus string

const (
	StatusCreated      MeetingStatus = "created"
	StatusRecording    MeetingStatus = "recording"
	StatusRecorded     MeetingStatus = "recorded"
	StatusTranscribing MeetingStatus = "transcribing"
	StatusTranscribed  MeetingStatus = "transcribed"
	StatusSummarizing  MeetingStatus = "summarizing"
	StatusSummarized   MeetingStatus = "summarized"
	StatusFailed       MeetingStatus = "failed"
)

// Audio tracks recorded for every meeting.
const (
	TrackMic    = "mic"
	TrackSystem = "system"
)

// Meeting is one recorded session.
type Meeting struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	Status    MeetingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Key is the job key used for per-meeting jobs.
func (m Meeting) Key() string { return MeetingKey(m.ID) }

// MeetingKey formats a meeting id as a job key.
func MeetingKey(id int64) string { return strconv.FormatInt(id, 10) }

// AudioFile is one recorded track of a meeting.
type AudioFile struct {
	MeetingID  int64  `json:"meeting_id"`
	Track      string `json:"track"`
	Path       string `json:"path"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	DurationMs int64  `json:"duration_ms"`
	SizeBytes  int64  `json:"size_bytes"`
}

const meetingColumns = `id, title, status, created_at, started_at, ended_at, updated_at`

func scanMeeting(row interface{ Scan(...any) error }) (*Meeting, error) {
	var (
		m                Meeting
		created, updated int64
		started, ended   sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Title, &m.Status, &created, &started, &ended, &updated); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.StartedAt = timePtr(started)
	m.EndedAt = timePtr(ended)
	return &m, nil
}

// CreateMeeting inserts a meeting in the given status.
func (db *DB) CreateMeeting(ctx context.Context, title string, status MeetingStatus, startedAt *time.Time) (*Meeting, error) {
	now := time.Now()
	row := db.SQL.QueryRowContext(ctx, `
		INSERT INTO meetings (title, status, created_at, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING `+meetingColumns,
		title, status, toMillis(now), nullMillis(startedAt), toMillis(now),
	)
	m, err := scanMeeting(row)
	if err != nil {
		return nil, fmt.Errorf("insert meeting: %w", err)
	}
	return m, nil
}

// GetMeeting returns the meeting or ErrNotFound.
func (db *DB) GetMeeting(ctx context.Context, id int64) (*Meeting, error) {
	row := db.SQL.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get meeting: %w", err)
	}
	return m, nil
}

// ListMeetings returns a page of meetings, newest first, plus the total count.
func (db *DB) ListMeetings(ctx context.Context, limit, offset int) ([]Meeting, int, error) {
	var total int
	if err := db.SQL.QueryRowContext(ctx, `SELECT count(*) FROM meetings`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count meetings: %w", err)
	}

	rows, err := db.SQL.QueryContext(ctx, `
		SELECT `+meetingColumns+`
		FROM meetings
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	meetings := []Meeting{}
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan meeting: %w", err)
		}
		meetings = append(meetings, *m)
	}
	return meetings, total, rows.Err()
}

// MeetingsInStatus returns every meeting whose status is one of statuses.
func (db *DB) MeetingsInStatus(ctx context.Context, statuses ...MeetingStatus) ([]Meeting, error) {
	var out []Meeting
	for _, st := range statuses {
		rows, err := db.SQL.QueryContext(ctx,
			`SELECT `+meetingColumns+` FROM meetings WHERE status = ? ORDER BY id`, st)
		if err != nil {
			return nil, fmt.Errorf("query meetings in %s: %w", st, err)
		}
		for rows.Next() {
			m, err := scanMeeting(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan meeting: %w", err)
			}
			out = append(out, *m)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateMeetingTitle renames a meeting.
func (db *DB) UpdateMeetingTitle(ctx context.Context, id int64, title string) (*Meeting, error) {
	row := db.SQL.QueryRowContext(ctx, `
		UPDATE meetings SET title = ?, updated_at = ?
		WHERE id = ?
		RETURNING `+meetingColumns,
		title, toMillis(time.Now()), id,
	)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("update meeting title: %w", err)
	}
	return m, nil
}

// SetMeetingStatus moves a meeting to status.
func (db *DB) SetMeetingStatus(ctx context.Context, id int64, status MeetingStatus) error {
	return setStatus(ctx, db.SQL, id, status)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setStatus(ctx context.Context, ex execer, id int64, status MeetingStatus) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE meetings SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set meeting status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("meeting %d: %w", id, ErrNotFound)
	}
	return nil
}

// FinishRecording records the audio artifacts of a meeting, stamps ended_at
// and moves it to status, all in one transaction.
func (db *DB) FinishRecording(ctx context.Context, id int64, status MeetingStatus, endedAt time.Time, files []AudioFile) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, f := range files {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO audio_files (meeting_id, track, path, sample_rate, channels, duration_ms, size_bytes)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (meeting_id, track) DO UPDATE SET
					path = excluded.path,
					sample_rate = excluded.sample_rate,
					channels = excluded.channels,
					duration_ms = excluded.duration_ms,
					size_bytes = excluded.size_bytes
			`, id, f.Track, f.Path, f.SampleRate, f.Channels, f.DurationMs, f.SizeBytes)
			if err != nil {
				return fmt.Errorf("upsert audio file %s: %w", f.Track, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE meetings SET ended_at = ? WHERE id = ?`, toMillis(endedAt), id); err != nil {
			return fmt.Errorf("set ended_at: %w", err)
		}
		return setStatus(ctx, tx, id, status)
	})
}

// ListAudioFiles returns the recorded tracks of a meeting, mic first.
func (db *DB) ListAudioFiles(ctx context.Context, id int64) ([]AudioFile, error) {
	rows, err := db.SQL.QueryContext(ctx, `
		SELECT meeting_id, track, path, sample_rate, channels, duration_ms, size_bytes
		FROM audio_files
		WHERE meeting_id = ?
		ORDER BY CASE track WHEN 'mic' THEN 0 ELSE 1 END
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list audio files: %w", err)
	}
	defer rows.Close()

	files := []AudioFile{}
	for rows.Next() {
		var f AudioFile
		if err := rows.Scan(&f.MeetingID, &f.Track, &f.Path, &f.SampleRate, &f.Channels, &f.DurationMs, &f.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan audio file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteMeeting removes a meeting, its dependent rows and its job records.
func (db *DB) DeleteMeeting(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, MeetingKey(id)); err != nil {
			return fmt.Errorf("delete meeting jobs: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete meeting: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("meeting %d: %w", id, ErrNotFound)
		}
		return nil
	})
}
