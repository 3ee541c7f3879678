package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// WriteJSON writes v with status. Responses are job snapshots that pollers
// re-read, so nothing is cacheable.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func WriteError(w http.ResponseWriter, status int, code string) {
	WriteJSON(w, status, ErrorResponse{Error: code})
}

func WriteErrorDetail(w http.ResponseWriter, status int, code, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Detail: detail})
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Pagination is a limit/offset window over a list.
type Pagination struct {
	Limit  int
	Offset int
}

// ParsePagination reads limit (1..500, default 50) and offset (>= 0).
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: defaultLimit}
	limit, ok, err := queryInt(r, "limit")
	if err != nil {
		return p, err
	}
	if ok {
		if limit < 1 || limit > maxLimit {
			return p, fmt.Errorf("%w: limit must be between 1 and %d", errInvalidRequest, maxLimit)
		}
		p.Limit = limit
	}
	offset, ok, err := queryInt(r, "offset")
	if err != nil {
		return p, err
	}
	if ok {
		if offset < 0 {
			return p, fmt.Errorf("%w: offset must be >= 0", errInvalidRequest)
		}
		p.Offset = offset
	}
	return p, nil
}

func queryInt(r *http.Request, name string) (int, bool, error) {
	v, ok := QueryString(r, name)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s %q is not an integer", errInvalidRequest, name, v)
	}
	return n, true, nil
}

// QueryString returns a query parameter and whether it is non-empty.
func QueryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	return v, v != ""
}

// QueryStringList splits a comma-separated query parameter, dropping blanks.
func QueryStringList(r *http.Request, name string) []string {
	var out []string
	for _, part := range strings.Split(r.URL.Query().Get(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// PathID parses a positive integer id from a chi URL parameter.
func PathID(r *http.Request, name string) (int64, error) {
	v := chi.URLParam(r, name)
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %s %q is not a valid id", errInvalidRequest, name, v)
	}
	return id, nil
}

// DecodeJSON reads and decodes a JSON request body into v. An empty body
// leaves v untouched.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}
