package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the operation a job performs.
type Kind string

const (
	KindTranscribe      Kind = "transcribe"
	KindSummarize       Kind = "summarize"
	KindDownloadASR     Kind = "download_asr"
	KindDownloadLLM     Kind = "download_llm"
	KindDownloadRuntime Kind = "download_runtime"
)

// GlobalKey owns jobs that are not tied to a meeting (model and runtime downloads).
const GlobalKey = "global"

// Kinds lists every known job kind.
var Kinds = []Kind{KindTranscribe, KindSummarize, KindDownloadASR, KindDownloadLLM, KindDownloadRuntime}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// ErrAlreadyRunning is returned by Start when a run for the same kind and key
// (or a conflicting kind on the same key) is still in progress.
var ErrAlreadyRunning = errors.New("job already running")

// Record is the pollable state of one job. Records handed out by the Store
// are copies; mutating them has no effect on the store.
type Record struct {
	Kind       Kind            `json:"kind"`
	Key        string          `json:"key"`
	RunID      string          `json:"run_id,omitempty"`
	Status     Status          `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the record is in done or error state.
func (r Record) Terminal() bool {
	return r.Status == StatusDone || r.Status == StatusError
}

func (r Record) clone() Record {
	c := r
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.UpdatedAt != nil {
		t := *r.UpdatedAt
		c.UpdatedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

type recordKey struct {
	kind Kind
	key  string
}
