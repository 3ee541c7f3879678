package summarize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
	"github.com/rs/zerolog"
)

var (
	// ErrNoTranscript is returned when a meeting has nothing to summarize.
	ErrNoTranscript = errors.New("meeting has no transcript")
	// ErrInvalidLength is returned for an unknown length profile.
	ErrInvalidLength = errors.New("invalid summary length")
	// ErrQueueFull is returned when the worker queue cannot take the job.
	ErrQueueFull = errors.New("work queue full")
)

// MeetingStore is the persistence the runner needs.
type MeetingStore interface {
	GetMeeting(ctx context.Context, id int64) (*database.Meeting, error)
	ListSegments(ctx context.Context, id int64) ([]database.Segment, error)
	SetMeetingStatus(ctx context.Context, id int64, status database.MeetingStatus) error
	ReplaceSummary(ctx context.Context, s database.Summary, cites []database.Citation, status database.MeetingStatus) error
}

// Submitter queues background work.
type Submitter interface {
	Submit(t worker.Task) bool
}

// RunnerOptions configures the summarization runner.
type RunnerOptions struct {
	Store    MeetingStore
	Jobs     *jobs.Store
	Registry *resources.Registry
	Engine   *resources.Engine[Generator]
	Pool     Submitter
	// DefaultLength returns the configured default profile. May be nil.
	DefaultLength func(ctx context.Context) string
	Log           zerolog.Logger
}

// Runner turns transcripts into cited summaries.
type Runner struct {
	opts RunnerOptions
	log  zerolog.Logger
}

// NewRunner creates a summarization runner.
func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{opts: opts, log: opts.Log.With().Str("component", "summarize").Logger()}
}

// Result is stored on the finished job.
type Result struct {
	Citations int `json:"citations"`
	Bullets   int `json:"bullets"`
}

// Enqueue validates the meeting and starts a summarization job. length may
// be empty to use the configured default.
func (r *Runner) Enqueue(ctx context.Context, meetingID int64, length string) (jobs.Record, error) {
	key := database.MeetingKey(meetingID)

	mt, err := r.opts.Store.GetMeeting(ctx, meetingID)
	if err != nil {
		return jobs.Record{}, r.reject("not_found", err)
	}
	if length == "" && r.opts.DefaultLength != nil {
		length = r.opts.DefaultLength(ctx)
	}
	if length == "" {
		length = DefaultLength
	}
	profile, err := ProfileFor(length)
	if err != nil {
		return jobs.Record{}, r.reject("invalid_length", err)
	}
	if r.opts.Jobs.IsRunning(jobs.KindSummarize, key) {
		return jobs.Record{}, r.reject("already_running", fmt.Errorf("%w: summarize for %s", jobs.ErrAlreadyRunning, key))
	}
	if mt.Status != database.StatusTranscribed && mt.Status != database.StatusSummarized {
		return jobs.Record{}, r.reject("no_transcript", fmt.Errorf("%w: meeting %d is %s", ErrNoTranscript, meetingID, mt.Status))
	}
	segs, err := r.opts.Store.ListSegments(ctx, meetingID)
	if err != nil {
		return jobs.Record{}, err
	}
	if len(segs) == 0 {
		return jobs.Record{}, r.reject("no_transcript", fmt.Errorf("%w: meeting %d has no segments", ErrNoTranscript, meetingID))
	}
	if err := r.opts.Registry.RequireModel(resources.LLM); err != nil {
		return jobs.Record{}, r.reject("model_missing", err)
	}
	lease, err := r.opts.Registry.Acquire(resources.LLM, "summarize:"+key)
	if err != nil {
		return jobs.Record{}, r.reject("resource_busy", err)
	}
	run, err := r.opts.Jobs.Start(jobs.KindSummarize, key, jobs.KindTranscribe)
	if err != nil {
		lease.Release()
		return jobs.Record{}, r.reject("already_running", err)
	}

	prior := mt.Status
	task := worker.Task{
		Name: "summarize:" + key,
		Run: func(ctx context.Context) error {
			return r.run(ctx, run, lease, meetingID, prior, profile, segs)
		},
	}
	if !r.opts.Pool.Submit(task) {
		lease.Release()
		run.Fail(ErrQueueFull)
		return jobs.Record{}, r.reject("queue_full", fmt.Errorf("%w: %w", resources.ErrResourceBusy, ErrQueueFull))
	}

	r.log.Info().Int64("meeting_id", meetingID).Str("length", profile.Name).Str("run_id", run.ID).Msg("summarization enqueued")
	return r.opts.Jobs.Snapshot(jobs.KindSummarize, key), nil
}

// Status returns the summarization job of a meeting.
func (r *Runner) Status(meetingID int64) jobs.Record {
	return r.opts.Jobs.Snapshot(jobs.KindSummarize, database.MeetingKey(meetingID))
}

func (r *Runner) reject(reason string, err error) error {
	metrics.EnqueueRejectedTotal.WithLabelValues(string(jobs.KindSummarize), reason).Inc()
	return err
}

func (r *Runner) run(ctx context.Context, run jobs.Run, lease *resources.Lease, meetingID int64, prior database.MeetingStatus, p Profile, segs []database.Segment) error {
	defer lease.Release()
	start := time.Now()
	log := r.log.With().Int64("meeting_id", meetingID).Str("run_id", run.ID).Logger()

	var res Result
	err := worker.Protect(func() error {
		var err error
		res, err = r.summarize(ctx, run, meetingID, p, segs)
		return err
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
		log.Warn().Err(err).Msg("summarization failed")
		return err
	}

	run.Finish(res)
	log.Info().
		Int("citations", res.Citations).
		Int("bullets", res.Bullets).
		Dur("elapsed", time.Since(start)).
		Msg("summarization complete")
	return nil
}

func (r *Runner) summarize(ctx context.Context, run jobs.Run, meetingID int64, p Profile, segs []database.Segment) (Result, error) {
	if err := r.opts.Store.SetMeetingStatus(ctx, meetingID, database.StatusSummarizing); err != nil {
		return Result{}, err
	}
	run.Update(0, "loading model")
	gen, err := r.opts.Engine.Get(ctx)
	if err != nil {
		metrics.InferenceCallsTotal.WithLabelValues("llm", "load_error").Inc()
		return Result{}, err
	}

	chunks := ChunkLines(RenderLines(segs), p.ChunkChars, p.ChunkOverlap)
	steps := len(chunks)
	if steps > 1 {
		steps++ // reduce
	}

	partials := make([]Partial, 0, len(chunks))
	for i, c := range chunks {
		run.Update(0.9*float64(i)/float64(steps), fmt.Sprintf("summarizing part %d of %d", i+1, len(chunks)))
		user, err := renderChunkPrompt(p, c)
		if err != nil {
			return Result{}, fmt.Errorf("render prompt: %w", err)
		}
		out, err := r.generate(ctx, gen, user, p)
		if err != nil {
			return Result{}, err
		}
		partials = append(partials, ParseLenient(out))
	}

	final := partials[0]
	if len(partials) > 1 {
		run.Update(0.9*float64(len(chunks))/float64(steps), "combining parts")
		user, err := renderReducePrompt(p, partials)
		if err != nil {
			return Result{}, fmt.Errorf("render prompt: %w", err)
		}
		out, err := r.generate(ctx, gen, user, p)
		if err != nil {
			return Result{}, err
		}
		final = ParseLenient(out)
	}

	run.Update(0.9, "validating citations")
	valid := make(map[int]bool, len(segs))
	for _, s := range segs {
		valid[s.ID] = true
	}
	sum, cites := buildSummary(meetingID, p, gen.Model(), final, valid)
	if sum.AbstractMD == "" && len(sum.BulletsMD) == 0 {
		return Result{}, errors.New("model returned an empty summary")
	}

	run.Update(0.95, "saving summary")
	if err := r.opts.Store.ReplaceSummary(ctx, sum, cites, database.StatusSummarized); err != nil {
		return Result{}, err
	}
	return Result{Citations: len(cites), Bullets: len(sum.BulletsMD)}, nil
}

func (r *Runner) generate(ctx context.Context, gen Generator, user string, p Profile) (string, error) {
	out, err := gen.Generate(ctx, systemPrompt, user, p.MaxTokens)
	if err != nil {
		metrics.InferenceCallsTotal.WithLabelValues("llm", "error").Inc()
		return "", fmt.Errorf("generate: %w", err)
	}
	metrics.InferenceCallsTotal.WithLabelValues("llm", "ok").Inc()
	return out, nil
}

// buildSummary validates the citations of every section and builds the
// citation index.
func buildSummary(meetingID int64, p Profile, model string, part Partial, valid map[int]bool) (database.Summary, []database.Citation) {
	var cites []database.Citation
	add := func(section string, ids []int) {
		for _, id := range ids {
			cites = append(cites, database.Citation{SegmentID: id, Section: section})
		}
	}

	abstract, ids := ValidateCitations(part.AbstractMD, valid)
	add(database.SectionAbstract, ids)

	seen := map[int]bool{}
	var bulletIDs []int
	var bullets []string
	for _, b := range DedupeBullets(part.BulletsMD, 0) {
		b, ids := ValidateCitations(b, valid)
		if b == "" {
			continue
		}
		bullets = append(bullets, b)
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				bulletIDs = append(bulletIDs, id)
			}
		}
	}
	bullets = DedupeBullets(bullets, p.Bullets)
	add(database.SectionBullets, citedIn(bullets, bulletIDs))

	return database.Summary{
		MeetingID:  meetingID,
		Length:     p.Name,
		AbstractMD: abstract,
		BulletsMD:  bullets,
		Model:      model,
		CreatedAt:  time.Now(),
	}, cites
}

// citedIn keeps the ids still cited by the kept bullets.
func citedIn(bullets []string, ids []int) []int {
	present := map[int]bool{}
	for _, b := range bullets {
		for _, id := range CitedIDs(b) {
			present[id] = true
		}
	}
	var out []int
	for _, id := range ids {
		if present[id] {
			out = append(out, id)
		}
	}
	return out
}
