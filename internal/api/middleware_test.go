package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// ── RequestID ────────────────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		id := rec.Header().Get(HeaderRequestID)
		assert.Len(t, id, 16)
		assert.Equal(t, id, seen)
	})

	t.Run("caller supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderRequestID, "abc-123")
		rec := httptest.NewRecorder()
		RequestID(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
	})

	t.Run("tags access log", func(t *testing.T) {
		var buf bytes.Buffer
		log := zerolog.New(&buf).Level(zerolog.DebugLevel)
		h := Logger(log)(RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hlog.FromRequest(r).Info().Msg("inside")
			w.WriteHeader(http.StatusTeapot)
		})))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/meetings", nil)
		req.Header.Set(HeaderRequestID, "req-7")
		h.ServeHTTP(httptest.NewRecorder(), req)

		lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
		require.Len(t, lines, 2)
		for _, line := range lines {
			assert.Contains(t, string(line), `"request_id":"req-7"`)
		}
		assert.Contains(t, string(lines[1]), `"status":418`)
		assert.Contains(t, string(lines[1]), `"path":"/api/v1/meetings"`)
	})
}

// ── Logger ───────────────────────────────────────────────────────────

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		status int
		level  string
	}{
		{"successful read", http.MethodGet, http.StatusOK, "debug"},
		{"failed read", http.MethodGet, http.StatusNotFound, "info"},
		{"write", http.MethodPost, http.StatusAccepted, "info"},
		{"server error", http.MethodGet, http.StatusInternalServerError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, "/", nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
		})
	}
}

// ── CORS ─────────────────────────────────────────────────────────────

func TestCORSWithOrigins(t *testing.T) {
	allowed := []string{"http://localhost:5173"}

	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantStatus  int
		wantAllow   string
		wantExposed bool
	}{
		{"open", nil, http.MethodGet, "", http.StatusOK, "*", true},
		{"allowed origin", allowed, http.MethodGet, "http://localhost:5173", http.StatusOK, "http://localhost:5173", true},
		{"other origin passes through bare", allowed, http.MethodGet, "http://evil.test", http.StatusOK, "", false},
		{"other origin preflight", allowed, http.MethodOptions, "http://evil.test", http.StatusForbidden, "", false},
		{"allowed preflight", allowed, http.MethodOptions, "http://localhost:5173", http.StatusNoContent, "http://localhost:5173", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORSWithOrigins(tt.origins)(okHandler).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantExposed {
				assert.Equal(t, HeaderRequestID, rec.Header().Get("Access-Control-Expose-Headers"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}

	t.Run("preflight headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		rec := httptest.NewRecorder()
		CORSWithOrigins(nil)(okHandler).ServeHTTP(rec, req)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
		assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("vary on echoed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		CORSWithOrigins(allowed)(okHandler).ServeHTTP(rec, req)
		assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	})
}

// ── BearerAuth ───────────────────────────────────────────────────────

func TestBearerAuth(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name   string
		header string
		target string
		want   int
	}{
		{"header", "Bearer s3cret", "/", http.StatusOK},
		{"query", "", "/?token=s3cret", http.StatusOK},
		{"missing", "", "/", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", "/", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", "/", http.StatusUnauthorized},
		{"header wins over query", "Bearer nope", "/?token=s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth("s3cret")(okHandler).ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Equal(t, CodeUnauthorized, decode[ErrorResponse](t, rec).Error)
			}
		})
	}
}

// ── Recoverer ────────────────────────────────────────────────────────

func TestRecoverer(t *testing.T) {
	t.Run("panic becomes 500", func(t *testing.T) {
		var buf bytes.Buffer
		h := Logger(zerolog.New(&buf))(Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, CodeInternal, body.Error)
		assert.Contains(t, buf.String(), `"panic":"boom"`)
	})

	t.Run("abort handler propagates", func(t *testing.T) {
		h := Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})

	t.Run("no panic", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Recoverer(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
