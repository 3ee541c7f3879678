package app

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/api"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/inference"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/metrics"
)

// APIOptions wires the HTTP API to this engine.
func (a *App) APIOptions(version string, startTime time.Time) api.Options {
	return api.Options{
		Config:          a.Config,
		DB:              a.DB,
		Jobs:            a.Jobs,
		Bus:             a.Bus,
		Registry:        a.Registry,
		Capture:         a.Capture,
		Transcribe:      a.Transcribe,
		Summarize:       a.Summarize,
		Provision:       a.Provision,
		Maintenance:     a,
		SettingsChanged: a.SettingsChanged,
		Checks:          a.HealthChecks(),
		Version:         version,
		StartTime:       startTime,
		Log:             a.log.With().Str("component", "http").Logger(),
	}
}

// HealthChecks reports the optional dependencies: both inference servers and
// the MQTT broker.
func (a *App) HealthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"whisper": serverCheck(a.Whisper),
		"llama":   serverCheck(a.Llama),
		"mqtt": func(context.Context) string {
			switch {
			case a.Config.MQTTBrokerURL == "":
				return api.CheckNotConfigured
			case a.mqtt == nil || !a.mqtt.IsConnected():
				return api.CheckDisconnected
			}
			return api.CheckOK
		},
	}
}

func serverCheck(s *inference.Server) api.HealthCheck {
	return func(ctx context.Context) string {
		if !s.Configured() {
			return api.CheckNotConfigured
		}
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.Check(ctx); err != nil {
			return api.CheckError
		}
		return api.CheckOK
	}
}

// engineStats adapts the App to metrics.EngineStats.
type engineStats struct{ a *App }

func (s engineStats) CaptureActive() bool            { return s.a.Capture.CaptureActive() }
func (s engineStats) ResourcesHeld() map[string]bool { return s.a.Registry.ResourcesHeld() }
func (s engineStats) SubscriberCount() int           { return s.a.Bus.SubscriberCount() }
func (s engineStats) QueuePending() int              { return s.a.Pool.QueuePending() }
func (s engineStats) AudioBytes() int64              { return s.a.Artifacts.Usage() }

func (a *App) registerMetrics() {
	err := prometheus.Register(metrics.NewCollector(a.DB.SQL, engineStats{a}))
	var are prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &are) {
		a.log.Warn().Err(err).Msg("failed to register engine metrics")
	}
}
