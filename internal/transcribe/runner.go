package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
	"github.com/rs/zerolog"
)

// ErrNotRecorded is returned when a meeting has no complete recording.
var ErrNotRecorded = errors.New("meeting not recorded")

// ErrQueueFull is returned when the worker queue cannot take the job.
var ErrQueueFull = errors.New("work queue full")

// MeetingStore is the persistence the runner needs.
type MeetingStore interface {
	GetMeeting(ctx context.Context, id int64) (*database.Meeting, error)
	ListAudioFiles(ctx context.Context, id int64) ([]database.AudioFile, error)
	SetMeetingStatus(ctx context.Context, id int64, status database.MeetingStatus) error
	ReplaceSegments(ctx context.Context, id int64, segs []database.Segment, status database.MeetingStatus) error
}

// Submitter queues background work.
type Submitter interface {
	Submit(t worker.Task) bool
}

// RunnerOptions configures the transcription runner.
type RunnerOptions struct {
	Store    MeetingStore
	Jobs     *jobs.Store
	Registry *resources.Registry
	Engine   *resources.Engine[Recognizer]
	Pool     Submitter
	FFmpeg   string
	TmpDir   string
	// Options returns the recognition options for a run, typically from
	// settings. May be nil.
	Options func(ctx context.Context) Options
	Log     zerolog.Logger
}

// Runner turns recorded meetings into transcripts.
type Runner struct {
	opts RunnerOptions
	log  zerolog.Logger
}

// NewRunner creates a transcription runner.
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{opts: opts, log: opts.Log.With().Str("component", "transcribe").Logger()}
}

// Result is stored on the finished job.
type Result struct {
	Segments   int   `json:"segments"`
	DurationMs int64 `json:"duration_ms"`
}

// Enqueue validates the meeting and starts a transcription job. Every check
// is synchronous; nothing is started when one fails.
func (r *Runner) Enqueue(ctx context.Context, meetingID int64) (jobs.Record, error) {
	key := database.MeetingKey(meetingID)

	mt, err := r.opts.Store.GetMeeting(ctx, meetingID)
	if err != nil {
		return jobs.Record{}, r.reject("not_found", err)
	}
	if r.opts.Jobs.IsRunning(jobs.KindTranscribe, key) {
		return jobs.Record{}, r.reject("already_running", fmt.Errorf("%w: transcribe for %s", jobs.ErrAlreadyRunning, key))
	}
	files, err := r.recording(ctx, mt)
	if err != nil {
		return jobs.Record{}, r.reject("not_recorded", err)
	}
	if err := r.opts.Registry.RequireModel(resources.ASR); err != nil {
		return jobs.Record{}, r.reject("model_missing", err)
	}
	lease, err := r.opts.Registry.Acquire(resources.ASR, "transcribe:"+key)
	if err != nil {
		return jobs.Record{}, r.reject("resource_busy", err)
	}
	run, err := r.opts.Jobs.Start(jobs.KindTranscribe, key, jobs.KindSummarize)
	if err != nil {
		lease.Release()
		return jobs.Record{}, r.reject("already_running", err)
	}

	prior := mt.Status
	task := worker.Task{
		Name: "transcribe:" + key,
		Run: func(ctx context.Context) error {
			return r.run(ctx, run, lease, mt.ID, prior, files)
		},
	}
	if !r.opts.Pool.Submit(task) {
		lease.Release()
		run.Fail(ErrQueueFull)
		return jobs.Record{}, r.reject("queue_full", fmt.Errorf("%w: %w", resources.ErrResourceBusy, ErrQueueFull))
	}

	r.log.Info().Int64("meeting_id", meetingID).Str("run_id", run.ID).Msg("transcription enqueued")
	return r.opts.Jobs.Snapshot(jobs.KindTranscribe, key), nil
}

// Status returns the transcription job of a meeting.
func (r *Runner) Status(meetingID int64) jobs.Record {
	return r.opts.Jobs.Snapshot(jobs.KindTranscribe, database.MeetingKey(meetingID))
}

func (r *Runner) reject(reason string, err error) error {
	metrics.EnqueueRejectedTotal.WithLabelValues(string(jobs.KindTranscribe), reason).Inc()
	return err
}

// recording checks the meeting status and both artifacts, returning them
// mic first.
func (r *Runner) recording(ctx context.Context, mt *database.Meeting) ([]database.AudioFile, error) {
	files, err := r.opts.Store.ListAudioFiles(ctx, mt.ID)
	if err != nil {
		return nil, err
	}
	switch mt.Status {
	case database.StatusRecorded, database.StatusTranscribed, database.StatusSummarized:
	case database.StatusFailed:
		if len(files) < 2 {
			return nil, fmt.Errorf("%w: meeting %d failed without both tracks", ErrNotRecorded, mt.ID)
		}
	default:
		return nil, fmt.Errorf("%w: meeting %d is %s", ErrNotRecorded, mt.ID, mt.Status)
	}

	byTrack := map[string]database.AudioFile{}
	for _, f := range files {
		byTrack[f.Track] = f
	}
	var out []database.AudioFile
	for _, name := range []string{database.TrackMic, database.TrackSystem} {
		f, ok := byTrack[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s track missing", ErrNotRecorded, name)
		}
		info, err := audio.ReadInfo(f.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s.wav missing on disk", ErrNotRecorded, name)
			}
			return nil, fmt.Errorf("%w: %s.wav: %v", ErrNotRecorded, name, err)
		}
		if info.DataBytes == 0 {
			return nil, fmt.Errorf("%w: %s.wav is empty", ErrNotRecorded, name)
		}
		f.DurationMs = info.Duration.Milliseconds()
		out = append(out, f)
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, run jobs.Run, lease *resources.Lease, meetingID int64, prior database.MeetingStatus, files []database.AudioFile) error {
	defer lease.Release()
	start := time.Now()
	log := r.log.With().Int64("meeting_id", meetingID).Str("run_id", run.ID).Logger()

	var segs []database.Segment
	err := worker.Protect(func() error {
		var err error
		if segs, err = r.transcribe(ctx, run, meetingID, files); err != nil {
			return err
		}
		run.Update(0.95, "saving transcript")
		return r.opts.Store.ReplaceSegments(ctx, meetingID, segs, database.StatusTranscribed)
	})
	// The slot is free before the record turns terminal.
	lease.Release()
	if err != nil {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := r.opts.Store.SetMeetingStatus(restoreCtx, meetingID, prior); serr != nil {
			log.Error().Err(serr).Msg("failed to restore meeting status")
		}
		cancel()
		run.Fail(err)
		log.Warn().Err(err).Msg("transcription failed")
		return err
	}

	res := Result{Segments: len(segs)}
	for _, f := range files {
		res.DurationMs = max(res.DurationMs, f.DurationMs)
	}
	run.Finish(res)
	log.Info().
		Int("segments", len(segs)).
		Dur("elapsed", time.Since(start)).
		Msg("transcription complete")
	return nil
}

func (r *Runner) transcribe(ctx context.Context, run jobs.Run, meetingID int64, files []database.AudioFile) ([]database.Segment, error) {
	if err := r.opts.Store.SetMeetingStatus(ctx, meetingID, database.StatusTranscribing); err != nil {
		return nil, err
	}
	run.Update(0, "loading model")
	rec, err := r.opts.Engine.Get(ctx)
	if err != nil {
		metrics.InferenceCallsTotal.WithLabelValues("asr", "load_error").Inc()
		return nil, err
	}

	var opts Options
	if r.opts.Options != nil {
		opts = r.opts.Options(ctx)
	}

	var total int64
	for _, f := range files {
		total += max(f.DurationMs, 1)
	}

	tracks := make([]Track, len(files))
	var doneMs int64
	for i, f := range files {
		path, cleanup, err := audio.Resample(ctx, r.opts.FFmpeg, f.Path, r.opts.TmpDir)
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", f.Track, err)
		}

		base := doneMs
		trackOpts := opts
		trackOpts.Progress = func(d time.Duration) {
			ms := min(d.Milliseconds(), f.DurationMs)
			run.Update(0.9*float64(base+ms)/float64(total), "transcribing "+f.Track)
		}

		var pieces []Piece
		for p, err := range rec.Transcribe(ctx, path, trackOpts) {
			if err != nil {
				cleanup()
				metrics.InferenceCallsTotal.WithLabelValues("asr", "error").Inc()
				return nil, fmt.Errorf("transcribe %s: %w", f.Track, err)
			}
			pieces = append(pieces, p)
		}
		cleanup()
		metrics.InferenceCallsTotal.WithLabelValues("asr", "ok").Inc()

		env, err := audio.ComputeEnvelope(f.Path, audio.DefaultFrame)
		if err != nil {
			// Speaker labels fall back to the source track.
			r.log.Warn().Err(err).Str("track", f.Track).Msg("activity envelope unavailable")
		}
		tracks[i] = Track{Source: f.Track, Pieces: pieces, Envelope: env}
		doneMs += max(f.DurationMs, 1)
	}

	run.Update(0.9, "merging tracks")
	return Merge(tracks[0], tracks[1]), nil
}
