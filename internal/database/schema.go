package database

import "context"

// baselineSchema creates every table on a fresh database. Later column and
// index changes go through migrations so existing files upgrade in place.
const baselineSchema = `
CREATE TABLE IF NOT EXISTS meetings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    title       TEXT    NOT NULL DEFAULT '',
    status      TEXT    NOT NULL DEFAULT 'created',
    created_at  INTEGER NOT NULL,
    started_at  INTEGER,
    ended_at    INTEGER,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_meetings_status ON meetings (status);

CREATE TABLE IF NOT EXISTS audio_files (
    meeting_id   INTEGER NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    track        TEXT    NOT NULL CHECK (track IN ('mic', 'system')),
    path         TEXT    NOT NULL,
    sample_rate  INTEGER NOT NULL,
    channels     INTEGER NOT NULL,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (meeting_id, track)
);

CREATE TABLE IF NOT EXISTS transcript_segments (
    meeting_id  INTEGER NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    id          INTEGER NOT NULL,
    start_ms    INTEGER NOT NULL,
    end_ms      INTEGER NOT NULL,
    speaker     TEXT    NOT NULL DEFAULT '',
    text        TEXT    NOT NULL,
    confidence  REAL,
    PRIMARY KEY (meeting_id, id),
    CHECK (start_ms < end_ms)
);

CREATE TABLE IF NOT EXISTS summaries (
    meeting_id   INTEGER PRIMARY KEY REFERENCES meetings (id) ON DELETE CASCADE,
    abstract_md  TEXT    NOT NULL,
    bullets_md   TEXT    NOT NULL DEFAULT '[]',
    model        TEXT    NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS summary_citations (
    meeting_id  INTEGER NOT NULL,
    segment_id  INTEGER NOT NULL,
    section     TEXT    NOT NULL,
    PRIMARY KEY (meeting_id, segment_id, section),
    FOREIGN KEY (meeting_id) REFERENCES summaries (meeting_id) ON DELETE CASCADE,
    FOREIGN KEY (meeting_id, segment_id) REFERENCES transcript_segments (meeting_id, id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS jobs (
    kind         TEXT    NOT NULL,
    key          TEXT    NOT NULL,
    run_id       TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL,
    progress     REAL    NOT NULL DEFAULT 0,
    message      TEXT    NOT NULL DEFAULT '',
    result       TEXT,
    error        TEXT    NOT NULL DEFAULT '',
    started_at   INTEGER,
    updated_at   INTEGER,
    finished_at  INTEGER,
    PRIMARY KEY (kind, key)
);

CREATE TABLE IF NOT EXISTS settings (
    key         TEXT PRIMARY KEY,
    value       TEXT    NOT NULL,
    updated_at  INTEGER NOT NULL
);
`

// InitSchema applies the baseline schema. It checks whether the "meetings"
// table exists as a proxy for an initialized file and is a no-op if so.
func (db *DB) InitSchema(ctx context.Context) error {
	var n int
	err := db.SQL.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'meetings'`,
	).Scan(&n)
	if err != nil {
		return err
	}

	if n > 0 {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.SQL.ExecContext(ctx, baselineSchema); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
