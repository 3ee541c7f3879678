package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cleanup := setEnvs(t, map[string]string{
		"DATA_DIR": "/srv/notes",
	})
	defer cleanup()

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != "127.0.0.1:8765" {
			t.Errorf("HTTPAddr = %q, want 127.0.0.1:8765", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.WriteTimeout != 0 {
			t.Errorf("WriteTimeout = %s, want 0 for streams", cfg.WriteTimeout)
		}
		if cfg.ASRWindow != 5*time.Minute {
			t.Errorf("ASRWindow = %s, want 5m", cfg.ASRWindow)
		}
		if cfg.Workers != 2 || cfg.QueueSize != 16 {
			t.Errorf("Workers/QueueSize = %d/%d, want 2/16", cfg.Workers, cfg.QueueSize)
		}
		if cfg.MQTTClientID != "meeting-notes" {
			t.Errorf("MQTTClientID = %q, want meeting-notes", cfg.MQTTClientID)
		}
		if cfg.MQTTBrokerURL != "" {
			t.Errorf("MQTTBrokerURL = %q, want empty", cfg.MQTTBrokerURL)
		}
	})

	t.Run("dirs_below_data_dir", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		want := map[string]string{
			"DatabasePath": filepath.Join("/srv/notes", "meeting-notes.db"),
			"AudioDir":     filepath.Join("/srv/notes", "audio"),
			"ModelsDir":    filepath.Join("/srv/notes", "models"),
			"RuntimeDir":   filepath.Join("/srv/notes", "runtime"),
			"LogDir":       filepath.Join("/srv/notes", "logs"),
		}
		got := map[string]string{
			"DatabasePath": cfg.DatabasePath,
			"AudioDir":     cfg.AudioDir,
			"ModelsDir":    cfg.ModelsDir,
			"RuntimeDir":   cfg.RuntimeDir,
			"LogDir":       cfg.LogDir,
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("%s = %q, want %q", k, got[k], v)
			}
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		cfg, err := Load(Overrides{
			EnvFile:      "nonexistent.env",
			HTTPAddr:     ":9090",
			LogLevel:     "debug",
			DataDir:      "/tmp/mn",
			DatabasePath: "/tmp/other.db",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.DatabasePath != "/tmp/other.db" {
			t.Errorf("DatabasePath = %q, want /tmp/other.db", cfg.DatabasePath)
		}
		if cfg.AudioDir != filepath.Join("/tmp/mn", "audio") {
			t.Errorf("AudioDir = %q, want below override data dir", cfg.AudioDir)
		}
	})

	t.Run("cors_list", func(t *testing.T) {
		defer setEnvs(t, map[string]string{"CORS_ORIGINS": "http://localhost:1420,tauri://localhost"})()
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "tauri://localhost" {
			t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
		}
	})

	t.Run("env_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		if err := os.WriteFile(path, []byte("WORKERS=4\nLLAMA_URL=http://127.0.0.1:8081\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		defer func() {
			os.Unsetenv("WORKERS")
			os.Unsetenv("LLAMA_URL")
		}()
		cfg, err := Load(Overrides{EnvFile: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Workers != 4 {
			t.Errorf("Workers = %d, want 4", cfg.Workers)
		}
		if cfg.LlamaURL != "http://127.0.0.1:8081" {
			t.Errorf("LlamaURL = %q", cfg.LlamaURL)
		}
	})
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		envs map[string]string
	}{
		{"log_level", map[string]string{"LOG_LEVEL": "loud"}},
		{"workers", map[string]string{"WORKERS": "0"}},
		{"queue", map[string]string{"QUEUE_SIZE": "-1"}},
		{"sample_rate", map[string]string{"CAPTURE_SAMPLE_RATE": "100"}},
		{"duration", map[string]string{"ASR_WINDOW": "forever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleanup := setEnvs(t, tt.envs)
			defer cleanup()
			if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	defer setEnvs(t, map[string]string{"DATA_DIR": filepath.Join(t.TempDir(), "data")})()
	cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{cfg.AudioDir, cfg.ModelsDir, cfg.RuntimeDir, cfg.LogDir} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("%s not created", d)
		}
	}
}

// setEnvs sets environment variables and returns a cleanup function.
func setEnvs(t *testing.T, envs map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	unset := make([]string, 0)

	for k, v := range envs {
		if orig, ok := os.LookupEnv(k); ok {
			originals[k] = orig
		} else {
			unset = append(unset, k)
		}
		os.Setenv(k, v)
	}

	return func() {
		for k, v := range originals {
			os.Setenv(k, v)
		}
		for _, k := range unset {
			os.Unsetenv(k)
		}
	}
}
