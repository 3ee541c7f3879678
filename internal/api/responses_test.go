package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/provision"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/resources"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/summarize"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/transcribe"
)

func newRequestWithChiParam(key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	req := httptest.NewRequest("GET", "/", nil)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// ── ParsePagination ──────────────────────────────────────────────────

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"defaults", "", 50, 0, false},
		{"valid_custom", "limit=25&offset=10", 25, 10, false},
		{"limit_at_max", "limit=500", 500, 0, false},
		{"limit_over_max", "limit=501", 0, 0, true},
		{"limit_zero", "limit=0", 0, 0, true},
		{"negative_offset", "offset=-5", 0, 0, true},
		{"non_numeric_limit", "limit=abc", 0, 0, true},
		{"non_numeric_offset", "offset=xyz", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/?"+tt.query, nil)
			p, err := ParsePagination(req)
			if tt.wantErr {
				if !errors.Is(err, errInvalidRequest) {
					t.Errorf("expected invalid request, got %+v, %v", p, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Limit != tt.wantLimit {
				t.Errorf("Limit = %d, want %d", p.Limit, tt.wantLimit)
			}
			if p.Offset != tt.wantOffset {
				t.Errorf("Offset = %d, want %d", p.Offset, tt.wantOffset)
			}
		})
	}
}

// ── QueryString ──────────────────────────────────────────────────────

func TestQueryString(t *testing.T) {
	req := httptest.NewRequest("GET", "/?kind=transcribe&empty=", nil)
	if v, ok := QueryString(req, "kind"); !ok || v != "transcribe" {
		t.Errorf("QueryString(kind) = %q, %v", v, ok)
	}
	if _, ok := QueryString(req, "empty"); ok {
		t.Error("empty value should report missing")
	}
	if _, ok := QueryString(req, "absent"); ok {
		t.Error("absent param should report missing")
	}
}

// ── QueryStringList ──────────────────────────────────────────────────

func TestQueryStringList(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"missing", "", nil},
		{"single", "types=job", []string{"job"}},
		{"multiple_trimmed", "types=job,%20capture%20,resource", []string{"job", "capture", "resource"}},
		{"skips_empty", "types=job,,capture,", []string{"job", "capture"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/?"+tt.query, nil)
			got := QueryStringList(req, "types")
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// ── PathID ───────────────────────────────────────────────────────────

func TestPathID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req := newRequestWithChiParam("id", "9999999999")
		v, err := PathID(req, "id")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 9999999999 {
			t.Errorf("got %d, want 9999999999", v)
		}
	})
	t.Run("missing", func(t *testing.T) {
		rctx := chi.NewRouteContext()
		req := httptest.NewRequest("GET", "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
		if _, err := PathID(req, "id"); !errors.Is(err, errInvalidRequest) {
			t.Errorf("err = %v, want invalid request", err)
		}
	})
	for _, v := range []string{"abc", "0", "-3"} {
		t.Run("rejects_"+v, func(t *testing.T) {
			_, err := PathID(newRequestWithChiParam("id", v), "id")
			if !errors.Is(err, errInvalidRequest) {
				t.Errorf("PathID(%q) err = %v, want invalid request", v, err)
			}
		})
	}
}

// ── WriteJSON ────────────────────────────────────────────────────────

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"msg": "ok"})

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", cc)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body["msg"] != "ok" {
		t.Errorf("body = %v, want msg=ok", body)
	}
}

// ── WriteError ───────────────────────────────────────────────────────

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusBadRequest, CodeInvalidRequest)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != CodeInvalidRequest {
		t.Errorf("Error = %q, want %q", body.Error, CodeInvalidRequest)
	}
}

// ── WriteErrorDetail ─────────────────────────────────────────────────

func TestWriteErrorDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorDetail(rec, http.StatusUnprocessableEntity, CodeModelMissing, "asr model not installed")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("JSON decode: %v", err)
	}
	if body.Error != CodeModelMissing {
		t.Errorf("Error = %q, want %q", body.Error, CodeModelMissing)
	}
	if body.Detail != "asr model not installed" {
		t.Errorf("Detail = %q, want %q", body.Detail, "asr model not installed")
	}
}

// ── DecodeJSON ───────────────────────────────────────────────────────

func TestDecodeJSON(t *testing.T) {
	type dst struct {
		Name string `json:"name"`
	}
	t.Run("valid_body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"test"}`))
		var d dst
		if err := DecodeJSON(req, &d); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Name != "test" {
			t.Errorf("Name = %q, want %q", d.Name, "test")
		}
	})
	t.Run("empty_body_keeps_defaults", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		d := dst{Name: "kept"}
		if err := DecodeJSON(req, &d); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Name != "kept" {
			t.Errorf("Name = %q, want kept", d.Name)
		}
	})
	t.Run("malformed_json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{bad`))
		var d dst
		if err := DecodeJSON(req, &d); !errors.Is(err, errInvalidRequest) {
			t.Errorf("expected invalid request, got %v", err)
		}
	})
	t.Run("unknown_field", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"nmae":"typo"}`))
		var d dst
		if err := DecodeJSON(req, &d); !errors.Is(err, errInvalidRequest) {
			t.Errorf("expected invalid request, got %v", err)
		}
	})
}

// ── DecodeValid ──────────────────────────────────────────────────────

func TestDecodeValid(t *testing.T) {
	t.Run("required_field_uses_json_name", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
		var d modelDownloadRequest
		err := DecodeValid(req, &d)
		if !errors.Is(err, errInvalidRequest) {
			t.Fatalf("expected invalid request, got %v", err)
		}
		if !strings.Contains(err.Error(), "model_id is required") {
			t.Errorf("error = %q, want field name", err)
		}
	})
	t.Run("nested_oneof", func(t *testing.T) {
		req := httptest.NewRequest("PUT", "/", strings.NewReader(`{"asr":{"device":"tpu"}}`))
		d := database.DefaultSettings()
		err := DecodeValid(req, &d)
		if err == nil || !strings.Contains(err.Error(), "asr.device must be one of [auto cpu gpu]") {
			t.Errorf("error = %v", err)
		}
	})
	t.Run("valid", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader(`{"feature":"whisper_gpu"}`))
		var d featureRequest
		if err := DecodeValid(req, &d); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Feature != "whisper_gpu" {
			t.Errorf("Feature = %q", d.Feature)
		}
	})
}

// ── StatusFor ────────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("meeting 9: %w", database.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("%w: transcribe for 1", jobs.ErrAlreadyRunning), http.StatusConflict, CodeAlreadyRunning},
		{capture.ErrAlreadyRecording, http.StatusConflict, CodeAlreadyRecording},
		{capture.ErrNotRecording, http.StatusConflict, CodeNotRecording},
		{fmt.Errorf("%w: %w", resources.ErrResourceBusy, transcribe.ErrQueueFull), http.StatusConflict, CodeResourceBusy},
		{fmt.Errorf("%w: %w", jobs.ErrAlreadyRunning, resources.ErrResourceBusy), http.StatusConflict, CodeAlreadyRunning},
		{provision.ErrAlreadyInstalled, http.StatusConflict, CodeAlreadyInstalled},
		{fmt.Errorf("mic: %w", capture.ErrDeviceUnavailable), http.StatusUnprocessableEntity, CodeDeviceUnavailable},
		{resources.ErrModelMissing, http.StatusUnprocessableEntity, CodeModelMissing},
		{summarize.ErrNoTranscript, http.StatusUnprocessableEntity, CodeNoTranscript},
		{transcribe.ErrNotRecorded, http.StatusUnprocessableEntity, CodeNotRecorded},
		{summarize.ErrInvalidLength, http.StatusBadRequest, CodeInvalidRequest},
		{provision.ErrUnknownFeature, http.StatusBadRequest, CodeInvalidRequest},
		{provision.ErrUnknownModel, http.StatusBadRequest, CodeInvalidRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := StatusFor(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("StatusFor(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}
