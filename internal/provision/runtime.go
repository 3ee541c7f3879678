package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownFeature is returned for a feature the manifest does not know.
	ErrUnknownFeature = errors.New("unknown feature")
	// ErrAlreadyInstalled is returned when every library a feature needs is present.
	ErrAlreadyInstalled = errors.New("already installed")
	// ErrUnknownModel is returned for a model preset the manifest does not list.
	ErrUnknownModel = errors.New("unknown model preset")
	// ErrQueueFull is returned when the worker queue cannot take the job.
	ErrQueueFull = errors.New("work queue full")
)

// Submitter queues background work.
type Submitter interface {
	Submit(t worker.Task) bool
}

// SettingsStore reads and writes the settings document.
type SettingsStore interface {
	LoadSettings(ctx context.Context) (database.AppSettings, error)
	SaveSettings(ctx context.Context, s database.AppSettings) error
}

// Options configures a Provisioner.
type Options struct {
	RuntimeDir   string
	ModelsDir    string
	Manifest     *Manifest
	Downloader   *Downloader
	// PackageIndex is a PyPI-style JSON index used to look up the digest
	// of wheels the manifest lists without a sha256. Empty disables it.
	PackageIndex string
	Jobs         *jobs.Store
	Registry     *resources.Registry
	Pool         Submitter
	Settings     SettingsStore
	Log          zerolog.Logger
}

// Provisioner installs GPU runtime libraries and model files.
type Provisioner struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	current string
}

// New creates a Provisioner. Directories are created on first use.
func New(opts Options) *Provisioner {
	if opts.Downloader == nil {
		opts.Downloader = NewDownloader(30 * time.Second)
	}
	return &Provisioner{opts: opts, log: opts.Log.With().Str("component", "provision").Logger()}
}

// RuntimeDir is where installed libraries live.
func (p *Provisioner) RuntimeDir() string { return p.opts.RuntimeDir }

// marker is written last when a library is installed.
type marker struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Files       []string  `json:"files"`
	InstalledAt time.Time `json:"installed_at"`
}

func (p *Provisioner) markerPath(id string) string {
	return filepath.Join(p.opts.RuntimeDir, id+".installed.json")
}

func (p *Provisioner) partPath(id string) string {
	return filepath.Join(p.opts.RuntimeDir, "."+id+".part")
}

func (p *Provisioner) readMarker(id string) (*marker, bool) {
	data, err := os.ReadFile(p.markerPath(id))
	if err != nil {
		return nil, false
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false
	}
	return &m, true
}

// Installed reports whether a library is committed and all its files exist.
func (p *Provisioner) Installed(id string) bool {
	m, ok := p.readMarker(id)
	if !ok {
		return false
	}
	for _, f := range m.Files {
		if _, err := os.Stat(filepath.Join(p.opts.RuntimeDir, f)); err != nil {
			return false
		}
	}
	return true
}

// FeatureReady reports whether every library a feature needs is installed.
// A feature that needs no libraries is never ready.
func (p *Provisioner) FeatureReady(feature string) bool {
	libs := p.opts.Manifest.Required(feature)
	if len(libs) == 0 {
		return false
	}
	for _, l := range libs {
		if !p.Installed(l.ID) {
			return false
		}
	}
	return true
}

func (p *Provisioner) missing(feature string) []Library {
	var out []Library
	for _, l := range p.opts.Manifest.Required(feature) {
		if !p.Installed(l.ID) {
			out = append(out, l)
		}
	}
	return out
}

// Status is the provisioning state reported to clients.
type Status struct {
	InstalledLibraries map[string]bool `json:"installed_libraries"`
	WhisperGPUReady    bool            `json:"whisper_gpu_ready"`
	LlamaGPUReady      bool            `json:"llama_gpu_ready"`
	IsDownloading      bool            `json:"is_downloading"`
	CurrentDownload    string          `json:"current_download,omitempty"`
	DownloadProgress   float64         `json:"download_progress"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	RuntimeDir         string          `json:"runtime_dir"`
}

// Status returns the installed libraries and the current download job.
func (p *Provisioner) Status() Status {
	st := Status{
		InstalledLibraries: map[string]bool{},
		WhisperGPUReady:    p.FeatureReady(FeatureWhisperGPU),
		LlamaGPUReady:      p.FeatureReady(FeatureLlamaGPU),
		RuntimeDir:         p.opts.RuntimeDir,
	}
	for _, l := range p.opts.Manifest.Libraries {
		st.InstalledLibraries[l.ID] = p.Installed(l.ID)
	}
	rec := p.opts.Jobs.Snapshot(jobs.KindDownloadRuntime, jobs.GlobalKey)
	switch rec.Status {
	case jobs.StatusRunning:
		st.IsDownloading = true
		st.DownloadProgress = rec.Progress
		p.mu.Lock()
		st.CurrentDownload = p.current
		p.mu.Unlock()
	case jobs.StatusDone:
		st.DownloadProgress = 1
	case jobs.StatusError:
		st.ErrorMessage = rec.Error
	}
	return st
}

// Enqueue starts downloading the libraries feature is missing.
func (p *Provisioner) Enqueue(ctx context.Context, feature string) (jobs.Record, error) {
	if !slices.Contains(Features, feature) {
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "unknown_feature", fmt.Errorf("%w: %q", ErrUnknownFeature, feature))
	}
	if p.opts.Jobs.IsRunning(jobs.KindDownloadRuntime, jobs.GlobalKey) {
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "already_running", fmt.Errorf("%w: runtime download", jobs.ErrAlreadyRunning))
	}
	libs := p.missing(feature)
	if len(libs) == 0 {
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "already_installed", fmt.Errorf("%w: %s", ErrAlreadyInstalled, feature))
	}
	lease, err := p.opts.Registry.Acquire(resources.Runtime, "provision:"+feature)
	if err != nil {
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "already_running", fmt.Errorf("%w: %w", jobs.ErrAlreadyRunning, err))
	}
	run, err := p.opts.Jobs.Start(jobs.KindDownloadRuntime, jobs.GlobalKey)
	if err != nil {
		lease.Release()
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "already_running", err)
	}

	task := worker.Task{
		Name: "provision:" + feature,
		Run: func(ctx context.Context) error {
			defer lease.Release()
			err := worker.Protect(func() error { return p.install(ctx, run, libs) })
			p.setCurrent("")
			lease.Release()
			p.opts.Registry.Refresh()
			if err != nil {
				run.Fail(err)
				p.log.Warn().Err(err).Str("feature", feature).Msg("runtime download failed")
				return err
			}
			run.Finish(map[string]any{"feature": feature, "libraries": libIDs(libs)})
			p.log.Info().Str("feature", feature).Strs("libraries", libIDs(libs)).Msg("runtime installed")
			return nil
		},
	}
	if !p.opts.Pool.Submit(task) {
		lease.Release()
		run.Fail(ErrQueueFull)
		return jobs.Record{}, p.reject(jobs.KindDownloadRuntime, "queue_full", fmt.Errorf("%w: %w", resources.ErrResourceBusy, ErrQueueFull))
	}
	p.log.Info().Str("feature", feature).Strs("libraries", libIDs(libs)).Str("run_id", run.ID).Msg("runtime download enqueued")
	return p.opts.Jobs.Snapshot(jobs.KindDownloadRuntime, jobs.GlobalKey), nil
}

// RuntimeStatus returns the runtime download job.
func (p *Provisioner) RuntimeStatus() jobs.Record {
	return p.opts.Jobs.Snapshot(jobs.KindDownloadRuntime, jobs.GlobalKey)
}

func (p *Provisioner) setCurrent(id string) {
	p.mu.Lock()
	p.current = id
	p.mu.Unlock()
}

func (p *Provisioner) reject(kind jobs.Kind, reason string, err error) error {
	metrics.EnqueueRejectedTotal.WithLabelValues(string(kind), reason).Inc()
	return err
}

// install downloads and commits libs in order. On failure every file this
// run created is removed, including libraries already committed by it.
func (p *Provisioner) install(ctx context.Context, run jobs.Run, libs []Library) (err error) {
	if err := os.MkdirAll(p.opts.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", p.opts.RuntimeDir, err)
	}

	var created []string
	defer func() {
		if err != nil {
			for _, f := range created {
				os.Remove(f)
			}
		}
	}()

	libs, err = p.resolveDigests(ctx, libs)
	if err != nil {
		return err
	}

	var total, base int64
	for _, l := range libs {
		total += l.Size
	}
	for i, l := range libs {
		p.setCurrent(l.ID)
		run.Update(float64(i)/float64(len(libs)), "downloading "+l.Name)

		part := p.partPath(l.ID)
		created = append(created, part)
		progress := throttled(func(done int64) float64 {
			if total <= 0 {
				return float64(i) / float64(len(libs))
			}
			return 0.99 * float64(base+done) / float64(total)
		}, func(f float64) { run.Update(f, "downloading "+l.Name) })
		if err := p.opts.Downloader.Fetch(ctx, l.URL, part, l.Size, l.SHA256, progress); err != nil {
			return fmt.Errorf("%s: %w", l.ID, err)
		}
		base += l.Size

		files, err := p.place(l, part)
		created = append(created, files...)
		if err != nil {
			return fmt.Errorf("%s: %w", l.ID, err)
		}
		os.Remove(part)

		m := marker{ID: l.ID, Name: l.Name, InstalledAt: time.Now().UTC()}
		for _, f := range files {
			m.Files = append(m.Files, filepath.Base(f))
		}
		data, _ := json.MarshalIndent(m, "", "  ")
		created = append(created, p.markerPath(l.ID))
		if err := os.WriteFile(p.markerPath(l.ID), data, 0o644); err != nil {
			return fmt.Errorf("%s: write marker: %w", l.ID, err)
		}
		p.log.Debug().Str("library", l.ID).Int("files", len(files)).Msg("library committed")
	}
	return nil
}

// resolveDigests fills in size and sha256 from the package index for
// wheels the manifest does not pin. A pinned sha256 is kept as is.
func (p *Provisioner) resolveDigests(ctx context.Context, libs []Library) ([]Library, error) {
	if p.opts.PackageIndex == "" {
		return libs, nil
	}
	out := slices.Clone(libs)
	for i, l := range out {
		if l.SHA256 != "" || !strings.HasSuffix(l.URL, ".whl") {
			continue
		}
		size, digest, err := p.opts.Downloader.WheelDigest(ctx, p.opts.PackageIndex, l.Name, l.URL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.ID, err)
		}
		if l.Size == 0 {
			out[i].Size = size
		}
		out[i].SHA256 = digest
		p.log.Debug().Str("library", l.ID).Str("sha256", digest).Msg("digest resolved from index")
	}
	return out, nil
}

// place turns a verified part file into installed files.
func (p *Provisioner) place(l Library, part string) ([]string, error) {
	if len(l.Members) > 0 {
		return extractMembers(part, p.opts.RuntimeDir, l.Members)
	}
	dst := filepath.Join(p.opts.RuntimeDir, filepath.Base(l.File))
	if err := os.Rename(part, dst); err != nil {
		return nil, fmt.Errorf("rename: %w", err)
	}
	return []string{dst}, nil
}

// Cleanup removes every library feature needs plus stray part files. It
// returns the number of files removed.
func (p *Provisioner) Cleanup(feature string) (int, error) {
	if !slices.Contains(Features, feature) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	if p.opts.Jobs.IsRunning(jobs.KindDownloadRuntime, jobs.GlobalKey) {
		return 0, fmt.Errorf("%w: runtime download", jobs.ErrAlreadyRunning)
	}

	removed := 0
	rm := func(path string) {
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	for _, l := range p.opts.Manifest.Required(feature) {
		if m, ok := p.readMarker(l.ID); ok {
			for _, f := range m.Files {
				rm(filepath.Join(p.opts.RuntimeDir, f))
			}
		}
		if l.File != "" {
			rm(filepath.Join(p.opts.RuntimeDir, filepath.Base(l.File)))
		}
		rm(p.markerPath(l.ID))
	}
	entries, _ := os.ReadDir(p.opts.RuntimeDir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), ".part") {
			rm(filepath.Join(p.opts.RuntimeDir, e.Name()))
		}
	}

	if removed > 0 {
		p.opts.Registry.Refresh()
		p.log.Info().Str("feature", feature).Int("files", removed).Msg("runtime cleaned up")
	}
	return removed, nil
}

func libIDs(libs []Library) []string {
	ids := make([]string, len(libs))
	for i, l := range libs {
		ids[i] = l.ID
	}
	return ids
}

// throttled reports progress only when it moved by at least one percent.
func throttled(fraction func(done int64) float64, report func(float64)) func(int64) {
	last := -1.0
	return func(done int64) {
		if f := fraction(done); f-last >= 0.01 {
			last = f
			report(f)
		}
	}
}
