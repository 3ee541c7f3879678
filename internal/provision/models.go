package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
)

// PresetStatus is a preset plus whether its file is present.
type PresetStatus struct {
	Preset
	Installed bool   `json:"installed"`
	Path      string `json:"path"`
}

func jobKindFor(kind resources.Kind) (jobs.Kind, error) {
	switch kind {
	case resources.ASR:
		return jobs.KindDownloadASR, nil
	case resources.LLM:
		return jobs.KindDownloadLLM, nil
	}
	return "", fmt.Errorf("%w: no presets for %s", ErrUnknownModel, kind)
}

func (p *Provisioner) presetPath(pr Preset) string {
	return filepath.Join(p.opts.ModelsDir, pr.Kind, filepath.Base(pr.File))
}

// ModelPresets lists the presets of kind with their install state.
func (p *Provisioner) ModelPresets(kind resources.Kind) []PresetStatus {
	presets := p.opts.Manifest.Presets(string(kind))
	out := make([]PresetStatus, 0, len(presets))
	for _, pr := range presets {
		path := p.presetPath(pr)
		fi, err := os.Stat(path)
		out = append(out, PresetStatus{Preset: pr, Path: path, Installed: err == nil && fi.Size() > 0})
	}
	return out
}

// ModelPath resolves the model file the settings select. An explicit LLM
// model_path wins over the preset. Unknown presets resolve to "".
func (p *Provisioner) ModelPath(kind resources.Kind, s database.AppSettings) string {
	var id string
	switch kind {
	case resources.ASR:
		id = s.ASR.ModelID
	case resources.LLM:
		if s.LLM.ModelPath != "" {
			return s.LLM.ModelPath
		}
		id = s.LLM.ModelID
	}
	pr, ok := p.opts.Manifest.Preset(string(kind), id)
	if !ok {
		return ""
	}
	return p.presetPath(pr)
}

// EnqueueModel starts downloading a model preset. When the file is already
// present the job only selects it.
func (p *Provisioner) EnqueueModel(ctx context.Context, kind resources.Kind, presetID string) (jobs.Record, error) {
	jk, err := jobKindFor(kind)
	if err != nil {
		return jobs.Record{}, err
	}
	pr, ok := p.opts.Manifest.Preset(string(kind), presetID)
	if !ok {
		return jobs.Record{}, p.reject(jk, "unknown_model", fmt.Errorf("%w: %s %q", ErrUnknownModel, kind, presetID))
	}
	run, err := p.opts.Jobs.Start(jk, jobs.GlobalKey)
	if err != nil {
		return jobs.Record{}, p.reject(jk, "already_running", err)
	}

	task := worker.Task{
		Name: string(jk) + ":" + pr.ID,
		Run: func(ctx context.Context) error {
			var (
				path string
				size int64
			)
			err := worker.Protect(func() error {
				var err error
				if path, size, err = p.fetchModel(ctx, run, pr); err != nil {
					return err
				}
				return p.selectModel(ctx, kind, pr)
			})
			p.opts.Registry.Refresh()
			if err != nil {
				run.Fail(err)
				p.log.Warn().Err(err).Str("model", pr.ID).Msg("model download failed")
				return err
			}
			run.Finish(map[string]any{"model_id": pr.ID, "path": path, "bytes": size})
			p.log.Info().Str("model", pr.ID).Str("path", path).Msg("model ready")
			return nil
		},
	}
	if !p.opts.Pool.Submit(task) {
		run.Fail(ErrQueueFull)
		return jobs.Record{}, p.reject(jk, "queue_full", fmt.Errorf("%w: %w", resources.ErrResourceBusy, ErrQueueFull))
	}
	p.log.Info().Str("model", pr.ID).Str("run_id", run.ID).Msg("model download enqueued")
	return p.opts.Jobs.Snapshot(jk, jobs.GlobalKey), nil
}

// ModelStatus returns the download job of kind.
func (p *Provisioner) ModelStatus(kind resources.Kind) (jobs.Record, error) {
	jk, err := jobKindFor(kind)
	if err != nil {
		return jobs.Record{}, err
	}
	return p.opts.Jobs.Snapshot(jk, jobs.GlobalKey), nil
}

func (p *Provisioner) fetchModel(ctx context.Context, run jobs.Run, pr Preset) (string, int64, error) {
	dst := p.presetPath(pr)
	if fi, err := os.Stat(dst); err == nil && fi.Size() > 0 {
		return dst, fi.Size(), nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}

	expect := pr.Size
	if expect <= 0 {
		expect = pr.ApproxSize
	}
	part := filepath.Join(dir, "."+filepath.Base(pr.File)+".part")
	progress := throttled(func(done int64) float64 {
		if expect <= 0 {
			return 0
		}
		return min(0.99, 0.99*float64(done)/float64(expect))
	}, func(f float64) { run.Update(f, "downloading "+pr.Label) })

	run.Update(0, "downloading "+pr.Label)
	if err := p.opts.Downloader.Fetch(ctx, pr.URL, part, pr.Size, pr.SHA256, progress); err != nil {
		return "", 0, err
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return "", 0, fmt.Errorf("rename: %w", err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return "", 0, err
	}
	return dst, fi.Size(), nil
}

func (p *Provisioner) selectModel(ctx context.Context, kind resources.Kind, pr Preset) error {
	if p.opts.Settings == nil {
		return nil
	}
	s, err := p.opts.Settings.LoadSettings(ctx)
	if err != nil {
		return err
	}
	switch kind {
	case resources.ASR:
		s.ASR.ModelID = pr.ID
	case resources.LLM:
		s.LLM.ModelID = pr.ID
		s.LLM.ModelPath = ""
	}
	return p.opts.Settings.SaveSettings(ctx, s)
}
