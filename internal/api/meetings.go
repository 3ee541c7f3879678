package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

type MeetingsHandler struct {
	db          *database.DB
	capture     CaptureService
	transcribe  TranscribeService
	summarize   SummarizeService
	maintenance MaintenanceService
}

func NewMeetingsHandler(opts Options) *MeetingsHandler {
	return &MeetingsHandler{
		db:          opts.DB,
		capture:     opts.Capture,
		transcribe:  opts.Transcribe,
		summarize:   opts.Summarize,
		maintenance: opts.Maintenance,
	}
}

type startMeetingRequest struct {
	MicDevice      string `json:"mic_device" validate:"max=512"`
	LoopbackDevice string `json:"loopback_device" validate:"max=512"`
	Title          string `json:"title" validate:"max=200"`
}

type renameMeetingRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type summarizeRequest struct {
	Length string `json:"length"`
}

// MeetingDetail is a meeting with everything it owns.
type MeetingDetail struct {
	database.Meeting
	AudioFiles []database.AudioFile `json:"audio_files"`
	Segments   []database.Segment   `json:"segments"`
	Summary    *database.Summary    `json:"summary"`
}

// ResolvedCitation is one citation index row with the segment it points at.
type ResolvedCitation struct {
	SegmentID int               `json:"segment_id"`
	Section   string            `json:"section"`
	Segment   *database.Segment `json:"segment,omitempty"`
}

func (h *MeetingsHandler) meetingID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := PathID(r, "id")
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, CodeInvalidRequest, "invalid meeting id")
		return 0, false
	}
	return id, true
}

// ListDevices returns capture devices.
func (h *MeetingsHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devs, err := h.capture.Devices(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, devs)
}

// StartMeeting starts a capture session and returns the new meeting.
func (h *MeetingsHandler) StartMeeting(w http.ResponseWriter, r *http.Request) {
	var req startMeetingRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	m, err := h.capture.Start(r.Context(), capture.StartRequest{
		MicDevice:      req.MicDevice,
		LoopbackDevice: req.LoopbackDevice,
		Title:          req.Title,
	})
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, m)
}

// StopMeeting stops the capture session of a meeting.
func (h *MeetingsHandler) StopMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	m, err := h.capture.Stop(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// ActiveMeeting returns the active capture session or 404.
func (h *MeetingsHandler) ActiveMeeting(w http.ResponseWriter, r *http.Request) {
	info, ok := h.capture.Active()
	if !ok {
		WriteErrorDetail(w, http.StatusNotFound, CodeNotFound, "no active recording")
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// ListMeetings returns a page of meetings, newest first.
func (h *MeetingsHandler) ListMeetings(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	meetings, total, err := h.db.ListMeetings(r.Context(), p.Limit, p.Offset)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"meetings": meetings,
		"total":    total,
		"limit":    p.Limit,
		"offset":   p.Offset,
	})
}

// GetMeeting returns a meeting with its audio files, segments and summary.
func (h *MeetingsHandler) GetMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	m, err := h.db.GetMeeting(ctx, id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	detail := MeetingDetail{Meeting: *m}
	if detail.AudioFiles, err = h.db.ListAudioFiles(ctx, id); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if detail.Segments, err = h.db.ListSegments(ctx, id); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	sum, err := h.db.GetSummary(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		WriteServiceError(w, r, err)
		return
	}
	detail.Summary = sum
	WriteJSON(w, http.StatusOK, detail)
}

// RenameMeeting updates a meeting's title.
func (h *MeetingsHandler) RenameMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	var req renameMeetingRequest
	if err := DecodeValid(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	m, err := h.db.UpdateMeetingTitle(r.Context(), id, req.Title)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}

// DeleteMeeting removes a meeting and its audio.
func (h *MeetingsHandler) DeleteMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	if err := h.maintenance.DeleteMeeting(r.Context(), id); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExportMeeting renders the transcript and summary as markdown.
func (h *MeetingsHandler) ExportMeeting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	m, err := h.db.GetMeeting(ctx, id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	segs, err := h.db.ListSegments(ctx, id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	sum, err := h.db.GetSummary(ctx, id)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		WriteServiceError(w, r, err)
		return
	}
	md, err := storage.RenderMarkdown(m, segs, sum)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="meeting-%d.md"`, id))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(md))
}

// Transcribe enqueues a transcription job.
func (h *MeetingsHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	rec, err := h.transcribe.Enqueue(r.Context(), id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// TranscribeStatus returns the transcription job snapshot.
func (h *MeetingsHandler) TranscribeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.transcribe.Status(id))
}

// Summarize enqueues a summarization job.
func (h *MeetingsHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	var req summarizeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	rec, err := h.summarize.Enqueue(r.Context(), id, req.Length)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, rec)
}

// SummarizeStatus returns the summarization job snapshot.
func (h *MeetingsHandler) SummarizeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, h.summarize.Status(id))
}

// Citations returns the summary's citation index resolved to segments.
func (h *MeetingsHandler) Citations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.meetingID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := h.db.GetSummary(ctx, id); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	cites, err := h.db.ListCitations(ctx, id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	segs, err := h.db.ListSegments(ctx, id)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	byID := make(map[int]*database.Segment, len(segs))
	for i := range segs {
		byID[segs[i].ID] = &segs[i]
	}
	out := make([]ResolvedCitation, 0, len(cites))
	for _, c := range cites {
		out = append(out, ResolvedCitation{SegmentID: c.SegmentID, Section: c.Section, Segment: byID[c.SegmentID]})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"meeting_id": id,
		"citations":  out,
	})
}

// Routes registers meeting and device routes on the given router.
func (h *MeetingsHandler) Routes(r chi.Router) {
	r.Get("/devices", h.ListDevices)
	r.Post("/meetings/start", h.StartMeeting)
	r.Get("/meetings/active", h.ActiveMeeting)
	r.Get("/meetings", h.ListMeetings)
	r.Route("/meetings/{id}", func(r chi.Router) {
		r.Get("/", h.GetMeeting)
		r.Put("/", h.RenameMeeting)
		r.Delete("/", h.DeleteMeeting)
		r.Post("/stop", h.StopMeeting)
		r.Get("/export", h.ExportMeeting)
		r.Post("/transcribe", h.Transcribe)
		r.Get("/transcribe/status", h.TranscribeStatus)
		r.Post("/summarize", h.Summarize)
		r.Get("/summarize/status", h.SummarizeStatus)
		r.Get("/summary/citations", h.Citations)
	})
}
