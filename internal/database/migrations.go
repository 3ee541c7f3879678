package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// step upgrades the schema by one version. Step i of schemaSteps produces
// version i+1, recorded in PRAGMA user_version.
type step struct {
	desc  string
	stmts []string
}

var schemaSteps = []step{
	{
		desc: "segment source track",
		stmts: []string{
			`ALTER TABLE transcript_segments ADD COLUMN source TEXT NOT NULL DEFAULT ''`,
		},
	},
	{
		desc: "summary length preset",
		stmts: []string{
			`ALTER TABLE summaries ADD COLUMN length TEXT NOT NULL DEFAULT 'mid'`,
		},
	},
	{
		desc: "lookup indexes",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_segments_start ON transcript_segments (meeting_id, start_ms)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
		},
	},
}

// SchemaVersion is the user_version a fully upgraded database reports.
func SchemaVersion() int { return len(schemaSteps) }

func (db *DB) userVersion(ctx context.Context) (int, error) {
	var v int
	err := db.SQL.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}

// Migrate brings the file up to SchemaVersion. Each step commits together
// with its version bump, so an interrupted upgrade resumes at the failed
// step. A file written by a newer build is refused.
func (db *DB) Migrate(ctx context.Context) error {
	from, err := db.userVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case from == SchemaVersion():
		return nil
	case from > SchemaVersion():
		return fmt.Errorf("database schema version %d is newer than supported version %d", from, SchemaVersion())
	}

	for v := from; v < SchemaVersion(); v++ {
		s := schemaSteps[v]
		err := db.withTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range s.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v+1))
			return err
		})
		if err != nil {
			return &MigrationError{Version: v + 1, remaining: schemaSteps[v:], err: err}
		}
		db.log.Info().Int("version", v+1).Str("step", s.desc).Msg("schema upgraded")
	}
	db.log.Info().Int("from", from).Int("to", SchemaVersion()).Msg("schema up to date")
	return nil
}

// MigrationError reports the version whose step failed and lists the
// statements still outstanding so the file can be repaired by hand.
type MigrationError struct {
	Version   int
	remaining []step
	err       error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upgrade to schema version %d failed: %v\n\nOutstanding statements:\n", e.Version, e.err)
	for _, s := range e.remaining {
		fmt.Fprintf(&b, "  -- %s\n", s.desc)
		for _, stmt := range s.stmts {
			fmt.Fprintf(&b, "  %s;\n", stmt)
		}
	}
	b.WriteString("\nBack up the database file before repairing or removing it.")
	return b.String()
}

func (e *MigrationError) Unwrap() error { return e.err }
