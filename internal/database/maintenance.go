package database

import (
	"context"
	"database/sql"
	"fmt"
)

// wipeOrder deletes children before parents so foreign keys hold throughout.
var wipeOrder = []string{
	"summary_citations",
	"summaries",
	"transcript_segments",
	"audio_files",
	"meetings",
	"jobs",
	"settings",
}

// WipeAll deletes every row in every table and resets the meeting id
// sequence. The schema stays in place.
func (db *DB) WipeAll(ctx context.Context) error {
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range wipeOrder {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil {
			return fmt.Errorf("reset sequences: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := db.SQL.ExecContext(ctx, `VACUUM`); err != nil {
		db.log.Warn().Err(err).Msg("vacuum after wipe failed")
	}
	db.log.Info().Msg("database wiped")
	return nil
}
