package provision

import (
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/BurntSushi/toml"
)

//go:embed manifest.toml
var defaultManifest []byte

// Features.
const (
	FeatureWhisperGPU = "whisper_gpu"
	FeatureLlamaGPU   = "llama_gpu"
)

// Features lists every provisionable feature.
var Features = []string{FeatureWhisperGPU, FeatureLlamaGPU}

// Library is one downloadable runtime library.
type Library struct {
	ID          string   `toml:"id" json:"id"`
	Name        string   `toml:"name" json:"name"`
	URL         string   `toml:"url" json:"url"`
	Size        int64    `toml:"size" json:"size,omitempty"`
	SHA256      string   `toml:"sha256" json:"sha256,omitempty"`
	RequiredFor []string `toml:"required_for" json:"required_for"`
	Members     []string `toml:"members" json:"members,omitempty"`
	File        string   `toml:"file" json:"file,omitempty"`
}

// Preset is a downloadable model file.
type Preset struct {
	Kind       string `toml:"kind" json:"kind"`
	ID         string `toml:"id" json:"id"`
	Label      string `toml:"label" json:"label"`
	File       string `toml:"file" json:"file"`
	URL        string `toml:"url" json:"url"`
	Size       int64  `toml:"size" json:"size,omitempty"`
	ApproxSize int64  `toml:"approx_size" json:"approx_size,omitempty"`
	SHA256     string `toml:"sha256" json:"sha256,omitempty"`
}

// Manifest lists runtime libraries and model presets.
type Manifest struct {
	Libraries []Library `toml:"library"`
	Models    []Preset  `toml:"model"`
}

// ParseManifest decodes a TOML manifest and checks it for obvious mistakes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	seen := map[string]bool{}
	for _, l := range m.Libraries {
		if l.ID == "" || l.URL == "" {
			return nil, fmt.Errorf("manifest: library %q needs id and url", l.Name)
		}
		if seen[l.ID] {
			return nil, fmt.Errorf("manifest: duplicate library %q", l.ID)
		}
		seen[l.ID] = true
		if len(l.Members) == 0 && l.File == "" {
			return nil, fmt.Errorf("manifest: library %q needs members or file", l.ID)
		}
		for _, f := range l.RequiredFor {
			if !slices.Contains(Features, f) {
				return nil, fmt.Errorf("manifest: library %q: unknown feature %q", l.ID, f)
			}
		}
	}
	for _, p := range m.Models {
		if p.Kind != "asr" && p.Kind != "llm" {
			return nil, fmt.Errorf("manifest: model %q: unknown kind %q", p.ID, p.Kind)
		}
		if p.ID == "" || p.File == "" || p.URL == "" {
			return nil, fmt.Errorf("manifest: model %q needs id, file and url", p.ID)
		}
	}
	return &m, nil
}

// LoadManifest reads the manifest at path, or the built-in one when path is
// empty.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return ParseManifest(defaultManifest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// Required returns the libraries a feature needs.
func (m *Manifest) Required(feature string) []Library {
	var out []Library
	for _, l := range m.Libraries {
		if slices.Contains(l.RequiredFor, feature) {
			out = append(out, l)
		}
	}
	return out
}

// Presets returns the model presets of kind ("asr" or "llm").
func (m *Manifest) Presets(kind string) []Preset {
	var out []Preset
	for _, p := range m.Models {
		if p.Kind == kind {
			out = append(out, p)
		}
	}
	return out
}

// Preset looks up a model preset.
func (m *Manifest) Preset(kind, id string) (Preset, bool) {
	for _, p := range m.Models {
		if p.Kind == kind && p.ID == id {
			return p, true
		}
	}
	return Preset{}, false
}
