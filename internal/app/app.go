// Package app wires the engine together. Every command builds one App and
// uses only the parts it needs; nothing is started until Start is called.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/config"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/inference"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/mqttclient"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/provision"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/summarize"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/transcribe"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/worker"
)

const (
	eventRingSize = 256
	// inferenceTimeout bounds a single request to an inference server.
	inferenceTimeout = 10 * time.Minute
	tempMaxAge       = 6 * time.Hour
)

// App holds every engine component.
type App struct {
	Config      *config.Config
	DB          *database.DB
	Bus         *jobs.EventBus
	Jobs        *jobs.Store
	Registry    *resources.Registry
	Pool        *worker.Pool
	Artifacts   *storage.LocalStore
	Capture     *capture.Manager
	Transcribe  *transcribe.Runner
	Summarize   *summarize.Runner
	Provision   *provision.Provisioner
	Maintenance *storage.Maintenance
	Whisper     *inference.Server
	Llama       *inference.Server

	asr *resources.Engine[transcribe.Recognizer]
	llm *resources.Engine[summarize.Generator]

	watcher *resources.Watcher
	sweeper storage.BackgroundService
	mqtt    *mqttclient.Client
	cancel  context.CancelFunc
	started bool

	settingsMu sync.RWMutex
	settings   database.AppSettings

	log zerolog.Logger
}

// New opens the database and builds the component graph.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, cfg.DatabasePath, log.With().Str("component", "database").Logger())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	settings, err := db.LoadSettings(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load settings: %w", err)
	}
	manifest, err := provision.LoadManifest(cfg.RuntimeManifest)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{Config: cfg, DB: db, settings: settings, log: log}
	if err := os.MkdirAll(a.tmpDir(), 0o755); err != nil {
		db.Close()
		return nil, fmt.Errorf("mkdir %s: %w", a.tmpDir(), err)
	}

	a.Bus = jobs.NewEventBus(eventRingSize)
	a.Jobs = jobs.NewStore(jobs.StoreOptions{
		Persist: db,
		Bus:     a.Bus,
		Log:     log.With().Str("component", "jobs").Logger(),
	})
	a.Registry = resources.NewRegistry(a.Bus, log.With().Str("component", "resources").Logger())
	a.Pool = worker.New(worker.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Log:       log.With().Str("component", "worker").Logger(),
	})
	a.Artifacts = storage.NewLocalStore(cfg.AudioDir)

	a.Provision = provision.New(provision.Options{
		RuntimeDir:   cfg.RuntimeDir,
		ModelsDir:    cfg.ModelsDir,
		Manifest:     manifest,
		PackageIndex: cfg.PackageIndexURL,
		Jobs:         a.Jobs,
		Registry:     a.Registry,
		Pool:         a.Pool,
		Settings:     a,
		Log:          log,
	})

	a.Whisper = inference.New(inference.Options{
		Name:           "whisper-server",
		Bin:            cfg.WhisperServerBin,
		URL:            cfg.WhisperURL,
		StartupTimeout: cfg.InferenceStartupTimeout,
		LibDir:         cfg.RuntimeDir,
		Args:           inference.WhisperArgs,
		Log:            log.With().Str("component", "inference").Logger(),
	})
	a.Llama = inference.New(inference.Options{
		Name:           "llama-server",
		Bin:            cfg.LlamaServerBin,
		URL:            cfg.LlamaURL,
		StartupTimeout: cfg.InferenceStartupTimeout,
		LibDir:         cfg.RuntimeDir,
		Args:           inference.LlamaArgs,
		Log:            log.With().Str("component", "inference").Logger(),
	})
	a.asr = resources.NewEngine(a.Registry, resources.ASR, a.loadRecognizer, func(transcribe.Recognizer) error {
		return a.Whisper.Stop()
	})
	a.llm = resources.NewEngine(a.Registry, resources.LLM, a.loadGenerator, func(summarize.Generator) error {
		return a.Llama.Stop()
	})

	a.Registry.SetProbe(resources.ASR, resources.FileProbe(a.modelPath(resources.ASR), a.gpuReady(provision.FeatureWhisperGPU)))
	a.Registry.SetProbe(resources.LLM, resources.FileProbe(a.modelPath(resources.LLM), a.gpuReady(provision.FeatureLlamaGPU)))
	a.applyDevices(settings)
	a.Registry.Refresh()

	a.Capture = capture.NewManager(
		capture.NewFFmpegDriver(cfg.FFmpegPath, cfg.CaptureSampleRate, log.With().Str("component", "ffmpeg").Logger()),
		db, a.Artifacts, a.Registry, a.Bus,
		log.With().Str("component", "capture").Logger(),
	)
	a.Transcribe = transcribe.NewRunner(transcribe.RunnerOptions{
		Store:    db,
		Jobs:     a.Jobs,
		Registry: a.Registry,
		Engine:   a.asr,
		Pool:     a.Pool,
		FFmpeg:   cfg.FFmpegPath,
		TmpDir:   a.tmpDir(),
		Options:  a.recognitionOptions,
		Log:      log,
	})
	a.Summarize = summarize.NewRunner(summarize.RunnerOptions{
		Store:         db,
		Jobs:          a.Jobs,
		Registry:      a.Registry,
		Engine:        a.llm,
		Pool:          a.Pool,
		DefaultLength: a.defaultLength,
		Log:           log,
	})
	a.Maintenance = storage.NewMaintenance(db, a.Artifacts, a.Jobs, a.Capture.CaptureActive,
		log.With().Str("component", "maintenance").Logger())

	return a, nil
}

// Start recovers state left by a previous process and launches the
// background services: worker pool, resource watcher, temp sweeper and the
// optional MQTT forwarder.
func (a *App) Start(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return err
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.started = true
	a.Pool.Start()

	a.watcher = resources.NewWatcher(a.Registry, a.log.With().Str("component", "watcher").Logger(), a.watchDirs()...)
	if err := a.watcher.Start(ctx); err != nil {
		a.log.Warn().Err(err).Msg("resource watcher unavailable")
		a.watcher = nil
	}

	a.sweeper = storage.NewTempSweeper(
		append([]string{a.tmpDir()}, a.watchDirs()...),
		[]string{"resample-*.wav", ".*.part", "*.tmp"},
		tempMaxAge, a.log,
	)
	a.sweeper.Start()

	if a.Config.MQTTBrokerURL != "" {
		c, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   a.Config.MQTTBrokerURL,
			ClientID:    a.Config.MQTTClientID,
			TopicPrefix: a.Config.MQTTTopicPrefix,
			Username:    a.Config.MQTTUsername,
			Password:    a.Config.MQTTPassword,
			Log:         a.log,
		})
		if err != nil {
			a.log.Warn().Err(err).Str("broker", a.Config.MQTTBrokerURL).Msg("mqtt unavailable, events not published")
		} else {
			a.mqtt = c
			go c.Forward(ctx, a.Bus)
		}
	}

	a.registerMetrics()
	return nil
}

// Close stops an active recording, cancels running jobs, stops the inference
// servers and closes the database.
func (a *App) Close(ctx context.Context) error {
	if a.started {
		a.Capture.Shutdown(ctx)
		a.cancel()
		a.Pool.Shutdown()
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.sweeper.Stop()
		if a.mqtt != nil {
			a.mqtt.Close()
		}
	}
	if err := a.asr.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to stop whisper server")
	}
	if err := a.llm.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to stop llama server")
	}
	return a.DB.Close()
}

func (a *App) tmpDir() string {
	return filepath.Join(a.Config.DataDir, "tmp")
}

func (a *App) watchDirs() []string {
	return []string{
		filepath.Join(a.Config.ModelsDir, string(resources.ASR)),
		filepath.Join(a.Config.ModelsDir, string(resources.LLM)),
		a.Config.RuntimeDir,
	}
}
