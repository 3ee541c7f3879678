package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

type SettingsHandler struct {
	db          *database.DB
	maintenance MaintenanceService
	changed     func(old, updated database.AppSettings)
}

func NewSettingsHandler(opts Options) *SettingsHandler {
	return &SettingsHandler{db: opts.DB, maintenance: opts.Maintenance, changed: opts.SettingsChanged}
}

// GetSettings returns the settings document.
func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.db.LoadSettings(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// PutSettings merges the request into the stored document and saves it.
// Sections missing from the body keep their current values.
func (h *SettingsHandler) PutSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	old, err := h.db.LoadSettings(ctx)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	updated := old
	if err := DecodeValid(r, &updated); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if err := h.db.SaveSettings(ctx, updated); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if h.changed != nil {
		h.changed(old, updated)
	}
	WriteJSON(w, http.StatusOK, updated)
}

// Wipe deletes database rows and/or audio files.
func (h *SettingsHandler) Wipe(w http.ResponseWriter, r *http.Request) {
	var req storage.WipeRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	res, err := h.maintenance.Wipe(r.Context(), req)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Routes registers settings routes on the given router.
func (h *SettingsHandler) Routes(r chi.Router) {
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.PutSettings)
	r.Post("/wipe", h.Wipe)
}
