package transcribe

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSilence(t *testing.T, path string, d time.Duration) {
	t.Helper()
	f := audio.PCM16(16000, 1)
	w, err := audio.Create(path, f)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, int(d.Seconds()*float64(f.BytesPerSecond()))))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWhisperClientWindows(t *testing.T) {
	var windows atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inference", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "de", r.FormValue("language"))

		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		hdr := make([]byte, 44)
		_, err = io.ReadFull(f, hdr)
		assert.NoError(t, err)
		assert.Equal(t, "RIFF", string(hdr[:4]))
		assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(hdr[24:28]))

		n := windows.Add(1)
		fmt.Fprintf(w, `{"text":"x","segments":[
			{"start":0.5,"end":1.5,"text":" window %d ","avg_logprob":-0.1},
			{"start":1.6,"end":1.9,"text":"[BLANK_AUDIO]"},
			{"start":1.9,"end":9.0,"text":"runs past the end"}
		]}`, n)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "mic.wav")
	writeSilence(t, path, 5*time.Second)

	var progress []time.Duration
	wc := NewWhisperClient(ts.URL, 2*time.Second, 5*time.Second)
	var got []Piece
	for p, err := range wc.Transcribe(context.Background(), path, Options{
		Language: "de",
		Progress: func(d time.Duration) { progress = append(progress, d) },
	}) {
		require.NoError(t, err)
		got = append(got, p)
	}

	assert.Equal(t, int32(3), windows.Load())
	require.Len(t, got, 5, "blank markers and empty ranges dropped")
	assert.Equal(t, Piece{StartMs: 500, EndMs: 1500, Text: "window 1", Confidence: got[0].Confidence}, got[0])
	assert.InDelta(t, 0.905, *got[0].Confidence, 0.001)
	assert.Equal(t, int64(2500), got[2].StartMs, "offset by window start")
	assert.Equal(t, int64(4000), got[3].EndMs, "clamped to window end")
	assert.Nil(t, got[1].Confidence)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second}, progress)
}

func TestWhisperClientServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "mic.wav")
	writeSilence(t, path, time.Second)

	wc := NewWhisperClient(ts.URL, time.Minute, 5*time.Second)
	var errs int
	for _, err := range wc.Transcribe(context.Background(), path, Options{}) {
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
		errs++
	}
	assert.Equal(t, 1, errs)
}

func TestWhisperClientMissingFile(t *testing.T) {
	wc := NewWhisperClient("http://127.0.0.1:1", time.Minute, time.Second)
	for _, err := range wc.Transcribe(context.Background(), "/nonexistent.wav", Options{}) {
		assert.Error(t, err)
	}
}
