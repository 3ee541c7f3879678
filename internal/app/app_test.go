package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/api"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/config"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DataDir:                 dir,
		DatabasePath:            filepath.Join(dir, "test.db"),
		AudioDir:                filepath.Join(dir, "audio"),
		ModelsDir:               filepath.Join(dir, "models"),
		RuntimeDir:              filepath.Join(dir, "runtime"),
		LogDir:                  filepath.Join(dir, "logs"),
		HTTPAddr:                "127.0.0.1:0",
		LogLevel:                "info",
		FFmpegPath:              "ffmpeg",
		CaptureSampleRate:       48000,
		InferenceStartupTimeout: 2 * time.Second,
		ASRWindow:               5 * time.Minute,
		Workers:                 1,
		QueueSize:               4,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ── Recover ──────────────────────────────────────────────────────────

func TestRecover(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))
	db := a.DB

	seg := []database.Segment{{ID: 1, StartMs: 0, EndMs: 1000, Speaker: "You", Source: "mic", Text: "hello"}}

	newMeeting := func(title string) int64 {
		mt, err := db.CreateMeeting(ctx, title, database.StatusCreated, nil)
		require.NoError(t, err)
		return mt.ID
	}

	summarized := newMeeting("summarized")
	require.NoError(t, db.ReplaceSegments(ctx, summarized, seg, database.StatusTranscribed))
	require.NoError(t, db.ReplaceSummary(ctx, database.Summary{
		MeetingID: summarized, Length: "mid", AbstractMD: "abstract", BulletsMD: []string{"point [#1]"},
	}, []database.Citation{{SegmentID: 1, Section: "bullets"}}, database.StatusSummarized))
	require.NoError(t, db.SetMeetingStatus(ctx, summarized, database.StatusSummarizing))

	transcribed := newMeeting("transcribed")
	require.NoError(t, db.ReplaceSegments(ctx, transcribed, seg, database.StatusTranscribed))
	require.NoError(t, db.SetMeetingStatus(ctx, transcribed, database.StatusSummarizing))

	recorded := newMeeting("recorded")
	require.NoError(t, db.FinishRecording(ctx, recorded, database.StatusRecorded, time.Now(), []database.AudioFile{
		{MeetingID: recorded, Track: database.TrackMic, Path: "mic.wav", SampleRate: 16000, Channels: 1, DurationMs: 1000},
		{MeetingID: recorded, Track: database.TrackSystem, Path: "system.wav", SampleRate: 16000, Channels: 1, DurationMs: 1000},
	}))
	require.NoError(t, db.SetMeetingStatus(ctx, recorded, database.StatusTranscribing))

	empty := newMeeting("empty")
	require.NoError(t, db.SetMeetingStatus(ctx, empty, database.StatusTranscribing))

	require.NoError(t, db.SaveJob(ctx, jobs.Record{
		Kind:   jobs.KindTranscribe,
		Key:    database.MeetingKey(recorded),
		Status: jobs.StatusRunning,
	}))

	require.NoError(t, a.Recover(ctx))

	want := map[int64]database.MeetingStatus{
		summarized:  database.StatusSummarized,
		transcribed: database.StatusTranscribed,
		recorded:    database.StatusRecorded,
		empty:       database.StatusFailed,
	}
	for id, status := range want {
		mt, err := db.GetMeeting(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, mt.Status, "meeting %q", mt.Title)
	}

	rec := a.Jobs.Snapshot(jobs.KindTranscribe, database.MeetingKey(recorded))
	assert.Equal(t, jobs.StatusError, rec.Status)
}

// ── Settings ─────────────────────────────────────────────────────────

func TestSaveSettings(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))

	s := a.Settings()
	assert.Equal(t, database.DefaultSettings(), s)

	s.ASR.Device = "cpu"
	s.ASR.Language = "de"
	s.LLM.Device = "gpu"
	s.Summary.DefaultLength = "long"
	require.NoError(t, a.SaveSettings(ctx, s))

	assert.Equal(t, resources.DeviceCPU, a.Registry.Status(resources.ASR).Device)
	assert.Equal(t, resources.DeviceGPU, a.Registry.Status(resources.LLM).Device)
	assert.Equal(t, "de", a.recognitionOptions(ctx).Language)
	assert.Equal(t, "long", a.defaultLength(ctx))

	stored, err := a.DB.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, stored)

	loaded, err := a.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

func TestRecognitionOptionsAutoLanguage(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))

	s := a.Settings()
	s.ASR.Language = "auto"
	require.NoError(t, a.SaveSettings(ctx, s))
	assert.Empty(t, a.recognitionOptions(ctx).Language)
}

func TestLaunchUsesExplicitModelPath(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))

	s := a.Settings()
	s.LLM.ModelPath = "/models/custom.gguf"
	s.LLM.Device = "cpu"
	require.NoError(t, a.SaveSettings(ctx, s))

	l := a.launch(resources.LLM)
	assert.Equal(t, "/models/custom.gguf", l.Model)
	assert.False(t, l.GPU)
}

func TestWipeResetsSettings(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t))

	s := a.Settings()
	s.Summary.DefaultLength = "short"
	require.NoError(t, a.SaveSettings(ctx, s))

	res, err := a.Wipe(ctx, storage.WipeRequest{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.WipedDB)
	assert.Equal(t, database.DefaultSettings(), a.Settings())
}

// ── Engines ──────────────────────────────────────────────────────────

func TestLoadGeneratorExternalServer(t *testing.T) {
	cfg := testConfig(t)
	cfg.LlamaURL = healthServer(t, http.StatusOK).URL
	a := newTestApp(t, cfg)

	s := a.Settings()
	s.LLM.ModelPath = "/models/qwen.gguf"
	require.NoError(t, a.SaveSettings(context.Background(), s))

	gen, err := a.llm.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qwen.gguf", gen.Model())
	assert.True(t, a.Registry.Status(resources.LLM).Loaded)

	// A new model selection drops the loaded handle.
	s.LLM.ModelPath = "/models/other.gguf"
	require.NoError(t, a.SaveSettings(context.Background(), s))
	assert.False(t, a.Registry.Status(resources.LLM).Loaded)
}

func TestLoadRecognizerNotConfigured(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	_, err := a.asr.Get(context.Background())
	require.Error(t, err)
}

// ── Health ───────────────────────────────────────────────────────────

func TestHealthChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing configured", func(t *testing.T) {
		a := newTestApp(t, testConfig(t))
		checks := a.HealthChecks()
		for _, name := range []string{"whisper", "llama", "mqtt"} {
			assert.Equal(t, api.CheckNotConfigured, checks[name](ctx), name)
		}
	})

	t.Run("external servers", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.WhisperURL = healthServer(t, http.StatusOK).URL
		cfg.LlamaURL = healthServer(t, http.StatusServiceUnavailable).URL
		cfg.MQTTBrokerURL = "tcp://127.0.0.1:1"
		a := newTestApp(t, cfg)

		checks := a.HealthChecks()
		assert.Equal(t, api.CheckOK, checks["whisper"](ctx))
		assert.Equal(t, api.CheckError, checks["llama"](ctx))
		assert.Equal(t, api.CheckDisconnected, checks["mqtt"](ctx))
	})
}

func TestAPIOptions(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	opts := a.APIOptions("test", time.Now())

	assert.Equal(t, "test", opts.Version)
	assert.Same(t, a.DB, opts.DB)
	assert.NotNil(t, opts.SettingsChanged)
	assert.Len(t, opts.Checks, 3)

	srv := api.NewServer(opts)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// ── Start / Close ────────────────────────────────────────────────────

func TestStartAndClose(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.started)
	require.NoError(t, a.Close(context.Background()))
}
