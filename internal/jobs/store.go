package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotRunning is returned when a runner mutates a record it no longer owns.
var ErrNotRunning = errors.New("job not running")

// Persister durably stores job records so status survives a restart.
type Persister interface {
	SaveJob(ctx context.Context, r Record) error
	LoadJobs(ctx context.Context) ([]Record, error)
}

// StoreOptions configures a Store.
type StoreOptions struct {
	Persist Persister // optional
	Bus     *EventBus // optional
	// PersistInterval throttles progress-only writes per record.
	PersistInterval time.Duration
	Log             zerolog.Logger
}

// Store holds the current record for every (kind, key) pair. Mutations are
// serialized; readers get copies and never block on persistence.
type Store struct {
	mu   sync.RWMutex
	recs map[recordKey]*Record

	// writeMu orders mutate+persist+publish so persisted state never goes backwards.
	writeMu   sync.Mutex
	lastSaved map[recordKey]time.Time

	persist  Persister
	bus      *EventBus
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewStore creates an empty job store.
func NewStore(opts StoreOptions) *Store {
	interval := opts.PersistInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Store{
		recs:      make(map[recordKey]*Record),
		lastSaved: make(map[recordKey]time.Time),
		persist:   opts.Persist,
		bus:       opts.Bus,
		interval:  interval,
		log:       opts.Log,
		now:       time.Now,
	}
}

// Run is the handle a runner receives from Start. Its methods only touch the
// record while it still belongs to this run.
type Run struct {
	s    *Store
	Kind Kind
	Key  string
	ID   string
}

// Update reports progress for this run.
func (r Run) Update(progress float64, message string) error {
	return r.s.update(recordKey{r.Kind, r.Key}, r.ID, progress, message)
}

// Finish marks this run done with an optional JSON-serializable result.
func (r Run) Finish(result any) error {
	return r.s.finish(recordKey{r.Kind, r.Key}, r.ID, result)
}

// Fail marks this run as errored.
func (r Run) Fail(err error) error {
	return r.s.fail(recordKey{r.Kind, r.Key}, r.ID, err)
}

// Start transitions (kind, key) into running. It fails with ErrAlreadyRunning
// when that record, or a record of any conflicting kind on the same key, is
// running. The previous record for (kind, key) is reset, not kept.
func (s *Store) Start(kind Kind, key string, conflicts ...Kind) (Run, error) {
	k := recordKey{kind, key}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if cur, ok := s.recs[k]; ok && cur.Status == StatusRunning {
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s for %s", ErrAlreadyRunning, kind, key)
	}
	for _, c := range conflicts {
		if cur, ok := s.recs[recordKey{c, key}]; ok && cur.Status == StatusRunning {
			s.mu.Unlock()
			return Run{}, fmt.Errorf("%w: %s for %s", ErrAlreadyRunning, c, key)
		}
	}
	now := s.now()
	rec := &Record{
		Kind:      kind,
		Key:       key,
		RunID:     uuid.NewString(),
		Status:    StatusRunning,
		Message:   "starting",
		StartedAt: &now,
		UpdatedAt: &now,
	}
	s.recs[k] = rec
	snap := rec.clone()
	s.mu.Unlock()

	s.save(k, snap, true)
	metrics.JobsRunning.WithLabelValues(string(kind)).Inc()
	return Run{s: s, Kind: kind, Key: key, ID: snap.RunID}, nil
}

// Update reports progress on whichever run currently owns (kind, key).
// Progress is clamped into [0,1] and never moves backwards within a run.
func (s *Store) Update(kind Kind, key string, progress float64, message string) error {
	return s.update(recordKey{kind, key}, "", progress, message)
}

// Finish marks the current run of (kind, key) done.
func (s *Store) Finish(kind Kind, key string, result any) error {
	return s.finish(recordKey{kind, key}, "", result)
}

// Fail marks the current run of (kind, key) errored.
func (s *Store) Fail(kind Kind, key string, err error) error {
	return s.fail(recordKey{kind, key}, "", err)
}

func (s *Store) update(k recordKey, runID string, progress float64, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.mutate(k, runID, func(r *Record, now time.Time) {
		p := clamp01(progress)
		if p < r.Progress {
			p = r.Progress
		}
		r.Progress = p
		if message != "" {
			r.Message = message
		}
		r.UpdatedAt = &now
	})
	if err != nil {
		return err
	}
	force := s.now().Sub(s.lastSaved[k]) >= s.interval
	s.save(k, snap, force)
	return nil
}

func (s *Store) finish(k recordKey, runID string, result any) error {
	var raw json.RawMessage
	if result != nil {
		switch v := result.(type) {
		case json.RawMessage:
			raw = v
		default:
			b, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("marshal result: %w", err)
			}
			raw = b
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.mutate(k, runID, func(r *Record, now time.Time) {
		r.Status = StatusDone
		r.Progress = 1
		r.Message = "completed"
		r.Result = raw
		r.UpdatedAt = &now
		r.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	s.save(k, snap, true)
	observeFinished(snap)
	return nil
}

func (s *Store) fail(k recordKey, runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, err := s.mutate(k, runID, func(r *Record, now time.Time) {
		r.Status = StatusError
		r.Error = msg
		r.Message = msg
		r.UpdatedAt = &now
		r.FinishedAt = &now
	})
	if err != nil {
		return err
	}
	s.save(k, snap, true)
	observeFinished(snap)
	return nil
}

// mutate applies fn to the running record for k. Caller holds writeMu.
func (s *Store) mutate(k recordKey, runID string, fn func(r *Record, now time.Time)) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[k]
	if !ok || r.Status != StatusRunning {
		return Record{}, fmt.Errorf("%w: %s for %s", ErrNotRunning, k.kind, k.key)
	}
	if runID != "" && r.RunID != runID {
		return Record{}, fmt.Errorf("%w: run %s superseded", ErrNotRunning, runID)
	}
	fn(r, s.now())
	return r.clone(), nil
}

// save persists (when forced or the record left running) and publishes.
// Caller holds writeMu.
func (s *Store) save(k recordKey, snap Record, force bool) {
	if s.persist != nil && (force || snap.Status != StatusRunning) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.persist.SaveJob(ctx, snap); err != nil {
			s.log.Warn().Err(err).
				Str("kind", string(snap.Kind)).
				Str("key", snap.Key).
				Msg("failed to persist job record")
		} else {
			s.lastSaved[k] = s.now()
		}
		cancel()
	}
	if s.bus != nil {
		s.bus.Publish(EventData{
			Type:    EventJob,
			Kind:    string(snap.Kind),
			Key:     snap.Key,
			Payload: snap,
		})
	}
}

// Snapshot returns a copy of the record for (kind, key). A key that was never
// started yields an idle record.
func (s *Store) Snapshot(kind Kind, key string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.recs[recordKey{kind, key}]; ok {
		return r.clone()
	}
	return Record{Kind: kind, Key: key, Status: StatusIdle}
}

// IsRunning reports whether (kind, key) has a run in progress.
func (s *Store) IsRunning(kind Kind, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recs[recordKey{kind, key}]
	return ok && r.Status == StatusRunning
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kind   Kind
	Key    string
	Status Status
}

// List returns copies of all matching records, most recently updated first.
func (s *Store) List(f Filter) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if f.Kind != "" && r.Kind != f.Kind {
			continue
		}
		if f.Key != "" && r.Key != f.Key {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ti, tj := updatedAt(out[i]), updatedAt(out[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Forget drops every non-running record matching fn from memory and returns
// how many were removed. Persisted rows are the caller's concern.
func (s *Store) Forget(fn func(Record) bool) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.recs {
		if r.Status == StatusRunning || !fn(*r) {
			continue
		}
		delete(s.recs, k)
		delete(s.lastSaved, k)
		n++
	}
	return n
}

// Recover loads persisted records. Records left running by a previous process
// are marked as errored since their runner no longer exists.
func (s *Store) Recover(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	recs, err := s.persist.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load jobs: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	interrupted := 0
	for _, r := range recs {
		k := recordKey{r.Kind, r.Key}
		if r.Status == StatusRunning {
			now := s.now()
			r.Status = StatusError
			r.Error = "interrupted before completion"
			r.Message = r.Error
			r.UpdatedAt = &now
			r.FinishedAt = &now
			if err := s.persist.SaveJob(ctx, r); err != nil {
				return interrupted, fmt.Errorf("save recovered job: %w", err)
			}
			interrupted++
		}
		s.mu.Lock()
		s.recs[k] = &r
		s.mu.Unlock()
	}
	if interrupted > 0 {
		s.log.Warn().Int("interrupted", interrupted).Msg("recovered jobs left running by previous process")
	}
	return interrupted, nil
}

func observeFinished(r Record) {
	metrics.JobsRunning.WithLabelValues(string(r.Kind)).Dec()
	metrics.JobsTotal.WithLabelValues(string(r.Kind), string(r.Status)).Inc()
	if r.StartedAt != nil && r.FinishedAt != nil {
		metrics.JobDuration.WithLabelValues(string(r.Kind)).Observe(r.FinishedAt.Sub(*r.StartedAt).Seconds())
	}
}

func updatedAt(r Record) time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return time.Time{}
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
