package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/rs/zerolog"
)

// WipeRequest selects what Wipe removes. Nil fields default to true.
type WipeRequest struct {
	WipeDB    *bool `json:"wipe_db"`
	WipeAudio *bool `json:"wipe_audio"`
}

// WipeResult reports per category what was removed.
type WipeResult struct {
	OK         bool     `json:"ok"`
	WipedDB    bool     `json:"wiped_db"`
	WipedAudio bool     `json:"wiped_audio"`
	Errors     []string `json:"errors,omitempty"`
}

// Maintenance deletes meetings and wipes local data while keeping the
// database, the artifact store and the in-memory job records consistent.
type Maintenance struct {
	db        *database.DB
	store     ArtifactStore
	jobs      *jobs.Store
	capturing func() bool
	log       zerolog.Logger
}

// NewMaintenance wires the maintenance operations. capturing reports whether
// a capture session is active and may be nil.
func NewMaintenance(db *database.DB, store ArtifactStore, js *jobs.Store, capturing func() bool, log zerolog.Logger) *Maintenance {
	if capturing == nil {
		capturing = func() bool { return false }
	}
	return &Maintenance{db: db, store: store, jobs: js, capturing: capturing, log: log}
}

// DeleteMeeting removes a meeting's rows, artifacts and job records. It is
// rejected while the meeting is being recorded or processed.
func (m *Maintenance) DeleteMeeting(ctx context.Context, id int64) error {
	mt, err := m.db.GetMeeting(ctx, id)
	if err != nil {
		return err
	}
	if mt.Status == database.StatusRecording && m.capturing() {
		return fmt.Errorf("meeting %d is recording: %w", id, jobs.ErrAlreadyRunning)
	}
	key := mt.Key()
	for _, k := range []jobs.Kind{jobs.KindTranscribe, jobs.KindSummarize} {
		if m.jobs.IsRunning(k, key) {
			return fmt.Errorf("meeting %d has a %s job: %w", id, k, jobs.ErrAlreadyRunning)
		}
	}

	if err := m.db.DeleteMeeting(ctx, id); err != nil {
		return err
	}
	m.jobs.Forget(func(r jobs.Record) bool { return r.Key == key })
	if err := m.store.RemoveMeeting(id); err != nil {
		// A leftover directory is removed by the next wipe.
		m.log.Warn().Err(err).Int64("meeting_id", id).Msg("failed to remove meeting audio")
	}
	m.log.Info().Int64("meeting_id", id).Msg("meeting deleted")
	return nil
}

// Busy reports why a wipe cannot run now, or nil.
func (m *Maintenance) Busy() error {
	if m.capturing() {
		return fmt.Errorf("capture in progress: %w", jobs.ErrAlreadyRunning)
	}
	if running := m.jobs.List(jobs.Filter{Status: jobs.StatusRunning}); len(running) > 0 {
		return fmt.Errorf("%s job for %s in progress: %w", running[0].Kind, running[0].Key, jobs.ErrAlreadyRunning)
	}
	return nil
}

// Wipe deletes every database row and/or every audio artifact. Each
// category is attempted independently and reported in the result.
func (m *Maintenance) Wipe(ctx context.Context, req WipeRequest) (WipeResult, error) {
	if err := m.Busy(); err != nil {
		return WipeResult{}, err
	}
	wipeDB := req.WipeDB == nil || *req.WipeDB
	wipeAudio := req.WipeAudio == nil || *req.WipeAudio

	var res WipeResult
	var errs []error
	if wipeAudio {
		if err := m.store.WipeAll(); err != nil {
			errs = append(errs, fmt.Errorf("audio: %w", err))
		} else {
			res.WipedAudio = true
		}
	}
	if wipeDB {
		if err := m.db.WipeAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		} else {
			res.WipedDB = true
			m.jobs.Forget(func(jobs.Record) bool { return true })
		}
	}
	for _, err := range errs {
		res.Errors = append(res.Errors, err.Error())
	}
	res.OK = (!wipeDB || res.WipedDB) && (!wipeAudio || res.WipedAudio)

	ev := m.log.Info()
	if !res.OK {
		ev = m.log.Warn().Err(errors.Join(errs...))
	}
	ev.Bool("wiped_db", res.WipedDB).Bool("wiped_audio", res.WipedAudio).Msg("wipe finished")
	return res, nil
}
