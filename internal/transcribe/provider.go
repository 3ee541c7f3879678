package transcribe

import (
	"context"
	"iter"
	"time"
)

// Recognizer is the interface for speech-to-text backends.
type Recognizer interface {
	// Transcribe yields pieces in time order as audio is decoded. The
	// sequence is finite and cannot be restarted. An error ends it.
	Transcribe(ctx context.Context, audioPath string, opts Options) iter.Seq2[Piece, error]
	Name() string // "whisper-server"
}

// Options are per-run recognition options.
type Options struct {
	Language    string // empty means auto-detect
	Temperature float64
	Prompt      string
	// Progress, when set, receives the audio offset decoded so far.
	Progress func(done time.Duration)
}

// Piece is one recognized stretch of speech, offsets relative to the start
// of the file.
type Piece struct {
	StartMs    int64
	EndMs      int64
	Text       string
	Confidence *float64 // nil if the backend reports none
}
