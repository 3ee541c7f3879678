package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/config"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/provision"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

// CaptureService records meetings.
type CaptureService interface {
	Devices(ctx context.Context) (capture.DeviceList, error)
	Start(ctx context.Context, req capture.StartRequest) (*database.Meeting, error)
	Stop(ctx context.Context, meetingID int64) (*database.Meeting, error)
	Active() (capture.SessionInfo, bool)
}

// TranscribeService enqueues transcription jobs.
type TranscribeService interface {
	Enqueue(ctx context.Context, meetingID int64) (jobs.Record, error)
	Status(meetingID int64) jobs.Record
}

// SummarizeService enqueues summarization jobs.
type SummarizeService interface {
	Enqueue(ctx context.Context, meetingID int64, length string) (jobs.Record, error)
	Status(meetingID int64) jobs.Record
}

// ProvisionService downloads runtime libraries and model presets.
type ProvisionService interface {
	Status() provision.Status
	Enqueue(ctx context.Context, feature string) (jobs.Record, error)
	Cleanup(feature string) (int, error)
	RuntimeStatus() jobs.Record
	ModelPresets(kind resources.Kind) []provision.PresetStatus
	ModelPath(kind resources.Kind, s database.AppSettings) string
	EnqueueModel(ctx context.Context, kind resources.Kind, presetID string) (jobs.Record, error)
	ModelStatus(kind resources.Kind) (jobs.Record, error)
}

// MaintenanceService deletes meetings and wipes data.
type MaintenanceService interface {
	DeleteMeeting(ctx context.Context, id int64) error
	Wipe(ctx context.Context, req storage.WipeRequest) (storage.WipeResult, error)
}

// Options wires the API to the engine.
type Options struct {
	Config      *config.Config
	DB          *database.DB
	Jobs        *jobs.Store
	Bus         *jobs.EventBus
	Registry    *resources.Registry
	Capture     CaptureService
	Transcribe  TranscribeService
	Summarize   SummarizeService
	Provision   ProvisionService
	Maintenance MaintenanceService
	// SettingsChanged runs after a settings document is saved.
	SettingsChanged func(old, updated database.AppSettings)
	// Checks are extra health checks keyed by name (inference servers, MQTT).
	Checks    map[string]HealthCheck
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http    *http.Server
	handler http.Handler
	log     zerolog.Logger
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Logger goes first so RequestID and Recoverer see the request logger.
	r.Use(Logger(opts.Log))
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint, no auth
		health := NewHealthHandler(opts.DB, opts.Checks, opts.Version, opts.StartTime)
		r.Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))

			NewMeetingsHandler(opts).Routes(r)
			NewJobsHandler(opts.Jobs).Routes(r)
			NewModelsHandler(opts).Routes(r)
			NewSettingsHandler(opts).Routes(r)
			NewEventsHandler(opts.Bus).Routes(r)
		})
	})

	return &Server{
		handler: r,
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
