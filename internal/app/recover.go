package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

// Recover repairs state left behind by a process that exited mid-work:
// interrupted recordings are finalized, meetings stuck in a processing
// status go back to the last status their stored data supports, and job
// records still marked running become errors.
func (a *App) Recover(ctx context.Context) error {
	n, err := a.Capture.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover recordings: %w", err)
	}
	if n > 0 {
		a.log.Warn().Int("meetings", n).Msg("recovered interrupted recordings")
	}

	stuck, err := a.DB.MeetingsInStatus(ctx, database.StatusTranscribing, database.StatusSummarizing)
	if err != nil {
		return fmt.Errorf("recover meetings: %w", err)
	}
	for _, mt := range stuck {
		status, err := a.settledStatus(ctx, mt)
		if err != nil {
			return fmt.Errorf("recover meeting %d: %w", mt.ID, err)
		}
		if err := a.DB.SetMeetingStatus(ctx, mt.ID, status); err != nil {
			return fmt.Errorf("recover meeting %d: %w", mt.ID, err)
		}
		a.log.Warn().
			Int64("meeting_id", mt.ID).
			Str("from", string(mt.Status)).
			Str("to", string(status)).
			Msg("reset meeting left processing")
	}

	if _, err := a.Jobs.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	return nil
}

// settledStatus is the furthest status a meeting's stored rows support. A
// transcription writes its segments in one transaction, so an interrupted
// run leaves the previous transcript and summary in place.
func (a *App) settledStatus(ctx context.Context, mt database.Meeting) (database.MeetingStatus, error) {
	_, err := a.DB.GetSummary(ctx, mt.ID)
	switch {
	case err == nil:
		return database.StatusSummarized, nil
	case !errors.Is(err, database.ErrNotFound):
		return "", err
	}

	segs, err := a.DB.CountSegments(ctx, mt.ID)
	if err != nil {
		return "", err
	}
	if segs > 0 {
		return database.StatusTranscribed, nil
	}

	files, err := a.DB.ListAudioFiles(ctx, mt.ID)
	if err != nil {
		return "", err
	}
	if len(files) == 2 {
		return database.StatusRecorded, nil
	}
	return database.StatusFailed, nil
}

// DeleteMeeting removes a meeting with its rows and audio.
func (a *App) DeleteMeeting(ctx context.Context, id int64) error {
	return a.Maintenance.DeleteMeeting(ctx, id)
}

// Wipe removes local data and reloads the settings, which a database wipe
// resets to defaults.
func (a *App) Wipe(ctx context.Context, req storage.WipeRequest) (storage.WipeResult, error) {
	res, err := a.Maintenance.Wipe(ctx, req)
	if err != nil {
		return res, err
	}
	if res.WipedDB {
		old := a.Settings()
		updated, err := a.DB.LoadSettings(ctx)
		if err != nil {
			return res, err
		}
		a.SettingsChanged(old, updated)
	}
	return res, nil
}
