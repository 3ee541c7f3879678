package summarize

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var promptIDs = regexp.MustCompile(`\[#(\d+)\]`)

// fakeGenerator cites the first and last segment of each prompt, plus an
// invented ID and a citation list the runner has to repair.
type fakeGenerator struct {
	mu      sync.Mutex
	calls   []string
	maxToks []int
	fail    error
	crash   any
	reply   string
}

func (g *fakeGenerator) Model() string { return "fake-7b.gguf" }

func (g *fakeGenerator) Generate(ctx context.Context, system, user string, maxTokens int) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, user)
	g.maxToks = append(g.maxToks, maxTokens)
	g.mu.Unlock()
	if g.crash != nil {
		panic(g.crash)
	}
	if g.fail != nil {
		return "", g.fail
	}
	if g.reply != "" {
		return g.reply, nil
	}
	ids := promptIDs.FindAllStringSubmatch(user, -1)
	first, last := ids[0][1], ids[len(ids)-1][1]
	return fmt.Sprintf(`{"abstract_md":"Team met [#%s] and decided [#%s, #999].","bullets_md":["- Decision made [#%s]","decision made [#%s]","Follow up [#%s]"]}`,
		first, last, last, last, first), nil
}

type fixture struct {
	db     *database.DB
	jobs   *jobs.Store
	reg    *resources.Registry
	gen    *fakeGenerator
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	pool := worker.New(worker.Options{Workers: 1, QueueSize: 4, Log: zerolog.Nop()})
	pool.Start()
	t.Cleanup(func() {
		pool.Stop()
		db.Close()
	})

	f := &fixture{
		db:   db,
		jobs: jobs.NewStore(jobs.StoreOptions{Persist: db, Log: zerolog.Nop()}),
		reg:  resources.NewRegistry(nil, zerolog.Nop()),
		gen:  &fakeGenerator{},
	}
	f.reg.SetProbe(resources.LLM, func() resources.ProbeResult { return resources.ProbeResult{Available: true} })
	f.reg.Refresh()
	engine := resources.NewEngine(f.reg, resources.LLM, func(context.Context) (Generator, error) { return f.gen, nil }, nil)
	f.runner = NewRunner(RunnerOptions{
		Store:    db,
		Jobs:     f.jobs,
		Registry: f.reg,
		Engine:   engine,
		Pool:     pool,
		Log:      zerolog.Nop(),
	})
	return f
}

func (f *fixture) transcribed(t *testing.T, n int, text string) *database.Meeting {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	mt, err := f.db.CreateMeeting(ctx, "review", database.StatusRecorded, &now)
	require.NoError(t, err)
	require.NoError(t, f.db.ReplaceSegments(ctx, mt.ID, segments(n, text), database.StatusTranscribed))
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

func TestSummarizeRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.transcribed(t, 6, "we should ship on friday")

	_, err := f.runner.Enqueue(ctx, mt.ID, "short")
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	require.Equal(t, jobs.StatusDone, rec.Status, rec.Error)

	require.Len(t, f.gen.calls, 1, "one chunk, no reduce")
	assert.Equal(t, []int{4096}, f.gen.maxToks)

	sum, err := f.db.GetSummary(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, "short", sum.Length)
	assert.Equal(t, "fake-7b.gguf", sum.Model)
	assert.Equal(t, "Team met [#1] and decided [#6].", sum.AbstractMD)
	assert.Equal(t, []string{"Decision made [#6]", "Follow up [#1]"}, sum.BulletsMD)

	for _, text := range append([]string{sum.AbstractMD}, sum.BulletsMD...) {
		for _, id := range CitedIDs(text) {
			assert.True(t, id >= 1 && id <= 6, "citation #%d resolves", id)
		}
	}

	cites, err := f.db.ListCitations(ctx, mt.ID)
	require.NoError(t, err)
	assert.Len(t, cites, 4)
	assert.JSONEq(t, `{"citations":4,"bullets":2}`, string(rec.Result))

	got, _ := f.db.GetMeeting(ctx, mt.ID)
	assert.Equal(t, database.StatusSummarized, got.Status)
	assert.False(t, f.reg.Held(resources.LLM))
}

func TestSummarizeMapReduce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.transcribed(t, 300, strings.Repeat("discussion ", 10))

	_, err := f.runner.Enqueue(ctx, mt.ID, "")
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	require.Equal(t, jobs.StatusDone, rec.Status, rec.Error)

	require.Greater(t, len(f.gen.calls), 2)
	last := f.gen.calls[len(f.gen.calls)-1]
	assert.Contains(t, last, "Combine the partial summaries")

	sum, err := f.db.GetSummary(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, "mid", sum.Length, "default length")
	assert.NotEmpty(t, CitedIDs(sum.AbstractMD))
}

func TestSummarizeDefaultLengthFromSettings(t *testing.T) {
	f := newFixture(t)
	f.runner.opts.DefaultLength = func(context.Context) string { return "long" }
	mt := f.transcribed(t, 3, "hello")

	_, err := f.runner.Enqueue(context.Background(), mt.ID, "")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
	assert.Equal(t, []int{16384}, f.gen.maxToks)
}

func TestSummarizeFailureKeepsPreviousSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.transcribed(t, 4, "status update")

	_, err := f.runner.Enqueue(ctx, mt.ID, "mid")
	require.NoError(t, err)
	require.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
	before, err := f.db.GetSummary(ctx, mt.ID)
	require.NoError(t, err)

	f.gen.fail = errors.New("context overflow")
	_, err = f.runner.Enqueue(ctx, mt.ID, "long")
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	assert.Equal(t, jobs.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "context overflow")

	after, err := f.db.GetSummary(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, before.AbstractMD, after.AbstractMD)
	got, _ := f.db.GetMeeting(ctx, mt.ID)
	assert.Equal(t, database.StatusSummarized, got.Status)
}

func TestSummarizePanicFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mt := f.transcribed(t, 3, "retro")

	f.gen.crash = "nil map write"
	_, err := f.runner.Enqueue(ctx, mt.ID, "short")
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	assert.Equal(t, jobs.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "nil map write")

	got, err := f.db.GetMeeting(ctx, mt.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusTranscribed, got.Status)

	f.gen.crash = nil
	_, err = f.runner.Enqueue(ctx, mt.ID, "short")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDone, f.wait(t, mt.ID).Status)
}

func TestSummarizeEmptyModelOutput(t *testing.T) {
	f := newFixture(t)
	f.gen.reply = `{"abstract_md":"","bullets_md":[]}`
	mt := f.transcribed(t, 2, "hi")

	_, err := f.runner.Enqueue(context.Background(), mt.ID, "short")
	require.NoError(t, err)
	rec := f.wait(t, mt.ID)
	assert.Equal(t, jobs.StatusError, rec.Status)

	got, _ := f.db.GetMeeting(context.Background(), mt.ID)
	assert.Equal(t, database.StatusTranscribed, got.Status)
}

// ── Enqueue checks ───────────────────────────────────────────────────

func TestSummarizeEnqueueRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("not_found", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.runner.Enqueue(ctx, 404, "short")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("invalid_length", func(t *testing.T) {
		f := newFixture(t)
		mt := f.transcribed(t, 2, "x")
		_, err := f.runner.Enqueue(ctx, mt.ID, "huge")
		assert.ErrorIs(t, err, ErrInvalidLength)
	})

	t.Run("no_transcript", func(t *testing.T) {
		f := newFixture(t)
		now := time.Now()
		mt, err := f.db.CreateMeeting(ctx, "", database.StatusRecorded, &now)
		require.NoError(t, err)
		_, err = f.runner.Enqueue(ctx, mt.ID, "short")
		assert.ErrorIs(t, err, ErrNoTranscript)
		assert.Equal(t, jobs.StatusIdle, f.runner.Status(mt.ID).Status, "no job record created")
	})

	t.Run("transcribed_without_segments", func(t *testing.T) {
		f := newFixture(t)
		mt := f.transcribed(t, 0, "")
		_, err := f.runner.Enqueue(ctx, mt.ID, "short")
		assert.ErrorIs(t, err, ErrNoTranscript)
	})

	t.Run("model_missing", func(t *testing.T) {
		f := newFixture(t)
		mt := f.transcribed(t, 2, "x")
		f.reg.SetProbe(resources.LLM, func() resources.ProbeResult { return resources.ProbeResult{} })
		f.reg.Refresh()
		_, err := f.runner.Enqueue(ctx, mt.ID, "short")
		assert.ErrorIs(t, err, resources.ErrModelMissing)
	})

	t.Run("resource_busy", func(t *testing.T) {
		f := newFixture(t)
		mt := f.transcribed(t, 2, "x")
		lease, err := f.reg.Acquire(resources.LLM, "other")
		require.NoError(t, err)
		defer lease.Release()
		_, err = f.runner.Enqueue(ctx, mt.ID, "short")
		assert.ErrorIs(t, err, resources.ErrResourceBusy)
	})

	t.Run("transcribe_running", func(t *testing.T) {
		f := newFixture(t)
		mt := f.transcribed(t, 2, "x")
		_, err := f.jobs.Start(jobs.KindTranscribe, mt.Key())
		require.NoError(t, err)
		_, err = f.runner.Enqueue(ctx, mt.ID, "short")
		assert.ErrorIs(t, err, jobs.ErrAlreadyRunning)
		assert.False(t, f.reg.Held(resources.LLM))
	})
}
