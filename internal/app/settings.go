package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/inference"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/summarize"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/transcribe"
)

// Settings returns the cached settings document.
func (a *App) Settings() database.AppSettings {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings
}

// LoadSettings reads the settings document from the database and refreshes
// the cache.
func (a *App) LoadSettings(ctx context.Context) (database.AppSettings, error) {
	s, err := a.DB.LoadSettings(ctx)
	if err != nil {
		return s, err
	}
	a.settingsMu.Lock()
	a.settings = s
	a.settingsMu.Unlock()
	return s, nil
}

// SaveSettings stores s and applies it to the running engine.
func (a *App) SaveSettings(ctx context.Context, s database.AppSettings) error {
	old := a.Settings()
	if err := a.DB.SaveSettings(ctx, s); err != nil {
		return err
	}
	a.SettingsChanged(old, s)
	return nil
}

// SettingsChanged applies a saved settings document: device preferences are
// pushed to the registry, and an inference engine whose model or device
// changed is unloaded so the next job starts it with the new selection.
func (a *App) SettingsChanged(old, updated database.AppSettings) {
	a.settingsMu.Lock()
	a.settings = updated
	a.settingsMu.Unlock()

	a.applyDevices(updated)

	if a.Provision.ModelPath(resources.ASR, old) != a.Provision.ModelPath(resources.ASR, updated) ||
		old.ASR.Device != updated.ASR.Device {
		a.unload(resources.ASR, a.asr.Unload)
	}
	if a.Provision.ModelPath(resources.LLM, old) != a.Provision.ModelPath(resources.LLM, updated) ||
		old.LLM.Device != updated.LLM.Device {
		a.unload(resources.LLM, a.llm.Unload)
	}
	a.Registry.Refresh()
}

func (a *App) unload(kind resources.Kind, fn func() error) {
	if err := fn(); err != nil {
		if errors.Is(err, resources.ErrResourceBusy) {
			a.log.Info().Str("kind", string(kind)).Msg("engine in use, new selection applies after the running job")
			return
		}
		a.log.Warn().Err(err).Str("kind", string(kind)).Msg("failed to unload engine")
	}
}

func (a *App) applyDevices(s database.AppSettings) {
	a.Registry.SetDevice(resources.ASR, resources.ParseDevice(s.ASR.Device))
	a.Registry.SetDevice(resources.LLM, resources.ParseDevice(s.LLM.Device))
}

func (a *App) modelPath(kind resources.Kind) func() string {
	return func() string {
		return a.Provision.ModelPath(kind, a.Settings())
	}
}

func (a *App) gpuReady(feature string) func() bool {
	return func() bool {
		return a.Provision.FeatureReady(feature)
	}
}

func (a *App) recognitionOptions(context.Context) transcribe.Options {
	lang := a.Settings().ASR.Language
	if strings.EqualFold(lang, "auto") {
		lang = ""
	}
	return transcribe.Options{Language: lang}
}

func (a *App) defaultLength(context.Context) string {
	return a.Settings().Summary.DefaultLength
}

// loadRecognizer starts whisper-server with the selected model.
func (a *App) loadRecognizer(ctx context.Context) (transcribe.Recognizer, error) {
	base, err := a.Whisper.Start(ctx, a.launch(resources.ASR))
	if err != nil {
		return nil, err
	}
	return transcribe.NewWhisperClient(base, a.Config.ASRWindow, inferenceTimeout), nil
}

// loadGenerator starts llama-server with the selected model.
func (a *App) loadGenerator(ctx context.Context) (summarize.Generator, error) {
	l := a.launch(resources.LLM)
	base, err := a.Llama.Start(ctx, l)
	if err != nil {
		return nil, err
	}
	return summarize.NewChatGenerator(base, filepath.Base(l.Model), inferenceTimeout), nil
}

func (a *App) launch(kind resources.Kind) inference.Launch {
	return inference.Launch{
		Model: a.Provision.ModelPath(kind, a.Settings()),
		GPU:   a.Registry.EffectiveDevice(kind) == resources.DeviceGPU,
	}
}
