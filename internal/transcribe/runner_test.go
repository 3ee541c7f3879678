package transcribe

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecognizer returns canned pieces per file name. gate, when set, blocks
// each Transcribe until closed.
type fakeRecognizer struct {
	pieces map[string][]Piece
	fail   error
	crash  any
	gate   chan struct{}
}

func (f *fakeRecognizer) Name() string { return "fake" }

func (f *fakeRecognizer) Transcribe(ctx context.Context, path string, opts Options) iter.Seq2[Piece, error] {
	return func(yield func(Piece, error) bool) {
		if f.gate != nil {
			<-f.gate
		}
		if f.crash != nil {
			panic(f.crash)
		}
		if f.fail != nil {
			yield(Piece{}, f.fail)
			return
		}
		for _, p := range f.pieces[filepath.Base(path)] {
			if !yield(p, nil) {
				return
			}
		}
		if opts.Progress != nil {
			opts.Progress(time.Hour)
		}
	}
}

type fixture struct {
	db     *database.DB
	jobs   *jobs.Store
	reg    *resources.Registry
	pool   *worker.Pool
	rec    *fakeRecognizer
	runner *Runner
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(context.Background(), filepath.Join(dir, "test.db"), zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		db:   db,
		jobs: jobs.NewStore(jobs.StoreOptions{Persist: db, Log: zerolog.Nop()}),
		reg:  resources.NewRegistry(nil, zerolog.Nop()),
		pool: worker.New(worker.Options{Workers: 1, QueueSize: 4, Log: zerolog.Nop()}),
		rec: &fakeRecognizer{pieces: map[string][]Piece{
			"mic.wav":    {piece(0, 900, "good morning"), piece(2000, 2800, "agenda first")},
			"system.wav": {piece(1000, 1900, "morning all"), piece(3000, 3900, "sounds good")},
		}},
		dir: dir,
	}
	f.reg.SetProbe(resources.ASR, func() resources.ProbeResult { return resources.ProbeResult{Available: true} })
	f.reg.Refresh()
	f.pool.Start()
	t.Cleanup(func() {
		f.pool.Stop()
		db.Close()
	})

	engine := resources.NewEngine(f.reg, resources.ASR, func(context.Context) (Recognizer, error) {
		return f.rec, nil
	}, nil)
	f.runner = NewRunner(RunnerOptions{
		Store:    db,
		Jobs:     f.jobs,
		Registry: f.reg,
		Engine:   engine,
		Pool:     f.pool,
		FFmpeg:   "definitely-not-ffmpeg-xyz",
		TmpDir:   dir,
		Log:      zerolog.Nop(),
	})
	return f
}

// recorded creates a meeting with two 4 s tracks.
func (f *fixture) recorded(t *testing.T, status database.MeetingStatus) *database.Meeting {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	mt, err := f.db.CreateMeeting(ctx, "standup", database.StatusRecording, &now)
	require.NoError(t, err)

	var files []database.AudioFile
	for _, name := range []string{database.TrackMic, database.TrackSystem} {
		path := filepath.Join(t.TempDir(), name+".wav")
		writeSilence(t, path, 4*time.Second)
		info, err := audio.ReadInfo(path)
		require.NoError(t, err)
		files = append(files, database.AudioFile{
			Track: name, Path: path, SampleRate: 16000, Channels: 1,
			DurationMs: info.Duration.Milliseconds(), SizeBytes: info.Size,
		})
	}
	require.NoError(t, f.db.FinishRecording(ctx, mt.ID, status, time.Now(), files))
	mt, err = f.db.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)
	return mt
}

func (f *fixture) wait(t *testing.T, id int64) jobs.Record {
	t.Helper()
	var rec jobs.Record
	require.Eventually(t, func() bool {
		rec = f.runner.Status(id)
		return rec.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return rec
}

// ── Run ──────────────────────────────────────────────────────────────

func TestTranscribeRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.recorded(t, database.StatusRecorded)

	rec, err := f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.RunID)

	rec = f.wait(t, mt.ID)
	require.Equal(t, jobs.StatusDone, rec.Status, rec.Error)
	assert.Equal(t, 1.0, rec.Progress)
	assert.JSONEq(t, `{"segments":4,"duration_ms":4000}`, string(rec.Result))

	segs, err := f.db.ListSegments(ctx, mt.ID)
	require.NoError(t, err)
	require.Len(t, segs, 4)
	for i, s := range segs {
		assert.Equal(t, i+1, s.ID)
	}
	assert.Equal(t, SpeakerLocal, segs[0].Speaker)
	assert.Equal(t, SpeakerRemote, segs[1].Speaker)

	got, err := f.db.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusTranscribed, got.Status)
	assert.False(t, f.reg.Held(resources.ASR), "slot released")
}

func TestTranscribeFailureKeepsPreviousTranscript(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.recorded(t, database.StatusRecorded)

	_, err := f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
	before, err := f.db.ListSegments(ctx, mt.ID)
	require.NoError(t, err)

	f.rec.fail = errors.New("decoder crashed")
	_, err = f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	assert.Equal(t, jobs.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "decoder crashed")

	after, err := f.db.ListSegments(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, _ := f.db.GetMeeting(ctx, mt.ID)
	assert.Equal(t, database.StatusTranscribed, got.Status, "prior status restored")
	assert.False(t, f.reg.Held(resources.ASR))
}

func TestTranscribePanicFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.recorded(t, database.StatusRecorded)

	f.rec.crash = "index out of range"
	_, err := f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	assert.Equal(t, jobs.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "index out of range")

	got, err := f.db.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusRecorded, got.Status, "prior status restored")
	assert.False(t, f.reg.Held(resources.ASR))

	f.rec.crash = nil
	_, err = f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err, "a crashed run does not block the next one")
	assert.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
}

func TestTranscribeFailedMeetingWithBothTracks(t *testing.T) {
	f := newFixture(t)
	mt := f.recorded(t, database.StatusFailed)
	_, err := f.runner.Enqueue(context.Background(), mt.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
}

// ── Enqueue checks ───────────────────────────────────────────────────

func TestEnqueueRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not_found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.runner.Enqueue(ctx, 404)
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("still_recording", func(t *testing.T) {
		f := newFixture(t)
		now := time.Now()
		mt, err := f.db.CreateMeeting(ctx, "", database.StatusRecording, &now)
		require.NoError(t, err)
		_, err = f.runner.Enqueue(ctx, mt.ID)
		assert.ErrorIs(t, err, ErrNotRecorded)
		assert.Equal(t, jobs.StatusIdle, f.runner.Status(mt.ID).Status, "no job record")
	})

	t.Run("failed_without_tracks", func(t *testing.T) {
		f := newFixture(t)
		now := time.Now()
		mt, err := f.db.CreateMeeting(ctx, "", database.StatusRecording, &now)
		require.NoError(t, err)
		require.NoError(t, f.db.FinishRecording(ctx, mt.ID, database.StatusFailed, now, nil))
		_, err = f.runner.Enqueue(ctx, mt.ID)
		assert.ErrorIs(t, err, ErrNotRecorded)
	})

	t.Run("model_missing", func(t *testing.T) {
		f := newFixture(t)
		mt := f.recorded(t, database.StatusRecorded)
		f.reg.SetProbe(resources.ASR, func() resources.ProbeResult { return resources.ProbeResult{} })
		f.reg.Refresh()
		_, err := f.runner.Enqueue(ctx, mt.ID)
		assert.ErrorIs(t, err, resources.ErrModelMissing)
	})

	t.Run("resource_busy", func(t *testing.T) {
		f := newFixture(t)
		mt := f.recorded(t, database.StatusRecorded)
		lease, err := f.reg.Acquire(resources.ASR, "other")
		require.NoError(t, err)
		defer lease.Release()
		_, err = f.runner.Enqueue(ctx, mt.ID)
		assert.ErrorIs(t, err, resources.ErrResourceBusy)
	})

	t.Run("summarize_running", func(t *testing.T) {
		f := newFixture(t)
		mt := f.recorded(t, database.StatusRecorded)
		_, err := f.jobs.Start(jobs.KindSummarize, mt.Key())
		require.NoError(t, err)
		_, err = f.runner.Enqueue(ctx, mt.ID)
		assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)
		assert.False(t, f.reg.Held(resources.ASR), "lease returned")
	})
}

func TestEnqueueWhileRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.gate = make(chan struct{})
	mt := f.recorded(t, database.StatusRecorded)

	first, err := f.runner.Enqueue(ctx, mt.ID)
	require.NoError(t, err)

	// Second enqueue returns AlreadyRunning and leaves the first run alone.
	_, err = f.runner.Enqueue(ctx, mt.ID)
	assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)
	assert.Equal(t, first.RunID, f.runner.Status(mt.ID).RunID)

	close(f.rec.gate)
	assert.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
}

func TestASRExclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.rec.gate = make(chan struct{})
	a := f.recorded(t, database.StatusRecorded)
	b := f.recorded(t, database.StatusRecorded)

	_, err := f.runner.Enqueue(ctx, a.ID)
	require.NoError(t, err)
	_, err = f.runner.Enqueue(ctx, b.ID)
	assert.ErrorIs(t, err, resources.ErrResourceBusy)

	close(f.rec.gate)
	assert.Equal(t, jobs.StatusDone, f.wait(t, a.ID).Status)

	_, err = f.runner.Enqueue(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, f.wait(t, b.ID).Status)
}
