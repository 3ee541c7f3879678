package audio

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ASRSampleRate is the rate speech recognizers expect.
const ASRSampleRate = 16000

// lookups caches exec.LookPath results per binary name.
var lookups sync.Map

// FFmpegAvailable reports whether bin resolves on PATH. The answer is cached.
func FFmpegAvailable(bin string) bool {
	if v, ok := lookups.Load(bin); ok {
		return v.(bool)
	}
	_, err := exec.LookPath(bin)
	lookups.Store(bin, err == nil)
	return err == nil
}

// Resample converts inputPath to 16 kHz mono 16-bit WAV in tmpDir.
//
// Returns the path to the converted file and a cleanup function. If ffmpeg is
// unavailable, or the input already matches, the original path comes back
// with a no-op cleanup. A conversion failure also returns the original path
// along with the error so callers can fall back.
func Resample(ctx context.Context, ffmpeg, inputPath, tmpDir string) (string, func(), error) {
	noop := func() {}

	if info, err := ReadInfo(inputPath); err == nil && info.SampleRate == ASRSampleRate && info.Channels == 1 {
		return inputPath, noop, nil
	}
	if ffmpeg == "" || !FFmpegAvailable(ffmpeg) {
		return inputPath, noop, nil
	}

	out, err := os.CreateTemp(tmpDir, "resample-*.wav")
	if err != nil {
		return inputPath, noop, fmt.Errorf("create temp: %w", err)
	}
	outPath := out.Name()
	out.Close()

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", inputPath,
		"-ac", "1",
		"-ar", fmt.Sprint(ASRSampleRate),
		"-c:a", "pcm_s16le",
		outPath,
	)
	if msg, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outPath)
		return inputPath, noop, fmt.Errorf("ffmpeg resample %s: %w: %s", filepath.Base(inputPath), err, msg)
	}

	cleanup := func() {
		os.Remove(outPath)
	}
	return outPath, cleanup, nil
}
