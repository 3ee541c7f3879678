package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/provision"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
)

type ModelsHandler struct {
	db        *database.DB
	registry  *resources.Registry
	provision ProvisionService
}

func NewModelsHandler(opts Options) *ModelsHandler {
	return &ModelsHandler{db: opts.DB, registry: opts.Registry, provision: opts.Provision}
}

type modelDownloadRequest struct {
	ModelID string `json:"model_id" validate:"required,max=128"`
}

type featureRequest struct {
	Feature string `json:"feature" validate:"required,max=64"`
}

// ModelInfo is the state of one model kind.
type ModelInfo struct {
	Resource resources.Status         `json:"resource"`
	Selected string                   `json:"selected"`
	Path     string                   `json:"path,omitempty"`
	Presets  []provision.PresetStatus `json:"presets"`
}

func modelKind(r *http.Request) (resources.Kind, error) {
	switch k := resources.Kind(chi.URLParam(r, "kind")); k {
	case resources.ASR, resources.LLM:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown model kind %q", errInvalidRequest, k)
	}
}

// ListModels returns ASR and LLM resource status with their presets.
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	s, err := h.db.LoadSettings(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	selected := map[resources.Kind]string{
		resources.ASR: s.ASR.ModelID,
		resources.LLM: s.LLM.ModelID,
	}
	out := make(map[string]ModelInfo, 2)
	for _, k := range []resources.Kind{resources.ASR, resources.LLM} {
		out[string(k)] = ModelInfo{
			Resource: h.registry.Status(k),
			Selected: selected[k],
			Path:     h.provision.ModelPath(k, s),
			Presets:  h.provision.ModelPresets(k),
		}
	}
	WriteJSON(w, http.StatusOK, out)
}

// DownloadModel enqueues a model preset download.
func (h *ModelsHandler) DownloadModel(w http.ResponseWriter, r *http.Request) {
	kind, err := modelKind(r)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	var req modelDownloadRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	rec, err := h.provision.EnqueueModel(r.Context(), kind, req.ModelID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// DownloadModelStatus returns the model download job snapshot.
func (h *ModelsHandler) DownloadModelStatus(w http.ResponseWriter, r *http.Request) {
	kind, err := modelKind(r)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	rec, err := h.provision.ModelStatus(kind)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// RuntimeStatus returns the provisioning status.
func (h *ModelsHandler) RuntimeStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.provision.Status())
}

// DownloadRuntime enqueues the runtime libraries of a feature.
func (h *ModelsHandler) DownloadRuntime(w http.ResponseWriter, r *http.Request) {
	var req featureRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	rec, err := h.provision.Enqueue(r.Context(), req.Feature)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// CleanupRuntime removes the runtime libraries of a feature.
func (h *ModelsHandler) CleanupRuntime(w http.ResponseWriter, r *http.Request) {
	var req featureRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	n, err := h.provision.Cleanup(req.Feature)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"feature": req.Feature,
		"removed": n,
		"status":  h.provision.Status(),
	})
}

// Routes registers model and runtime routes on the given router.
func (h *ModelsHandler) Routes(r chi.Router) {
	r.Get("/models", h.ListModels)
	r.Post("/models/{kind}/download", h.DownloadModel)
	r.Get("/models/{kind}/download/status", h.DownloadModelStatus)
	r.Get("/runtime/status", h.RuntimeStatus)
	r.Post("/runtime/download", h.DownloadRuntime)
	r.Post("/runtime/cleanup", h.CleanupRuntime)
}
