package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
)

// WhisperClient calls the /inference endpoint of a whisper.cpp server. Audio
// is sent in fixed windows so pieces are produced while the file is still
// being decoded.
type WhisperClient struct {
	url    string
	window time.Duration
	client *resty.Client
}

// whisperResponse is the verbose_json body of whisper-server.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	AvgLogprob float64 `json:"avg_logprob"`
	NoSpeech   float64 `json:"no_speech_prob"`
}

// NewWhisperClient creates a client for the server at baseURL. timeout
// bounds one window request.
func NewWhisperClient(baseURL string, window, timeout time.Duration) *WhisperClient {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &WhisperClient{
		url:    strings.TrimRight(baseURL, "/") + "/inference",
		window: window,
		client: resty.New().SetTimeout(timeout),
	}
}

// Name implements Recognizer.
func (wc *WhisperClient) Name() string { return "whisper-server" }

// nonSpeech matches the bracketed markers whisper emits for silence and
// noise, e.g. [BLANK_AUDIO] or (music).
var nonSpeech = regexp.MustCompile(`^\s*(\[[^\]]*\]|\([^)]*\))\s*$`)

// Transcribe implements Recognizer.
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath string, opts Options) iter.Seq2[Piece, error] {
	return func(yield func(Piece, error) bool) {
		r, err := audio.Open(audioPath)
		if err != nil {
			yield(Piece{}, err)
			return
		}
		defer r.Close()
		format := r.Info().Format

		for {
			offset := r.Offset()
			pcm, err := r.Next(wc.window)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Piece{}, err)
				return
			}
			windowEnd := offset + format.Duration(int64(len(pcm)))

			resp, err := wc.post(ctx, format, pcm, opts)
			if err != nil {
				yield(Piece{}, fmt.Errorf("window at %s: %w", offset, err))
				return
			}
			for _, seg := range resp.Segments {
				p, ok := toPiece(seg, offset, windowEnd)
				if !ok {
					continue
				}
				if !yield(p, nil) {
					return
				}
			}
			if opts.Progress != nil {
				opts.Progress(windowEnd)
			}
		}
	}
}

func toPiece(seg whisperSegment, offset, windowEnd time.Duration) (Piece, bool) {
	text := strings.TrimSpace(seg.Text)
	if text == "" || nonSpeech.MatchString(text) {
		return Piece{}, false
	}
	start := offset.Milliseconds() + int64(seg.Start*1000)
	end := offset.Milliseconds() + int64(seg.End*1000)
	if end > windowEnd.Milliseconds() {
		end = windowEnd.Milliseconds()
	}
	if end <= start {
		return Piece{}, false
	}
	p := Piece{StartMs: start, EndMs: end, Text: text}
	if seg.AvgLogprob != 0 {
		c := math.Min(1, math.Max(0, math.Exp(seg.AvgLogprob)))
		p.Confidence = &c
	}
	return p, true
}

func (wc *WhisperClient) post(ctx context.Context, f audio.Format, pcm []byte, opts Options) (*whisperResponse, error) {
	var wav bytes.Buffer
	if err := audio.EncodeWAV(&wav, f, pcm); err != nil {
		return nil, fmt.Errorf("encode window: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	form := map[string]string{
		"language":        lang,
		"temperature":     fmt.Sprintf("%.2f", opts.Temperature),
		"response_format": "verbose_json",
	}
	if opts.Prompt != "" {
		form["prompt"] = opts.Prompt
	}

	resp, err := wc.client.R().
		SetContext(ctx).
		SetFileReader("file", "window.wav", &wav).
		SetFormData(form).
		Post(wc.url)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode(), resp.String())
	}

	var result whisperResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}
