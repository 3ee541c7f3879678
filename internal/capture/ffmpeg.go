package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/rs/zerolog"
)

// FFmpegDriver captures devices by running one ffmpeg process per stream
// and reading s16le PCM from its stdout. PulseAudio is used on Linux,
// AVFoundation on macOS and DirectShow on Windows.
type FFmpegDriver struct {
	Bin        string
	SampleRate int
	// OpenTimeout bounds the wait for the first audio bytes.
	OpenTimeout time.Duration
	Log         zerolog.Logger

	goos string
}

// NewFFmpegDriver creates a driver for the running platform.
func NewFFmpegDriver(bin string, sampleRate int, log zerolog.Logger) *FFmpegDriver {
	if bin == "" {
		bin = "ffmpeg"
	}
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return &FFmpegDriver{
		Bin:         bin,
		SampleRate:  sampleRate,
		OpenTimeout: 5 * time.Second,
		Log:         log,
		goos:        runtime.GOOS,
	}
}

// Channels per device kind: microphones are recorded mono, loopback keeps
// stereo.
func channelsFor(kind DeviceKind) int {
	if kind == Output {
		return 2
	}
	return 1
}

// inputArgs returns the ffmpeg demuxer arguments for a device.
func (d *FFmpegDriver) inputArgs(deviceID string, kind DeviceKind) []string {
	switch d.goos {
	case "darwin":
		if deviceID == DefaultDevice || deviceID == "" {
			deviceID = "default"
		}
		return []string{"-f", "avfoundation", "-i", ":" + deviceID}
	case "windows":
		return []string{"-f", "dshow", "-i", "audio=" + deviceID}
	default:
		if deviceID == DefaultDevice || deviceID == "" {
			if kind == Output {
				deviceID = "@DEFAULT_MONITOR@"
			} else {
				deviceID = "default"
			}
		} else if kind == Output && !strings.HasSuffix(deviceID, ".monitor") {
			deviceID += ".monitor"
		}
		return []string{"-f", "pulse", "-i", deviceID}
	}
}

// Open starts ffmpeg for deviceID and waits for the first PCM bytes. A
// process that exits or stays silent past OpenTimeout yields
// ErrDeviceUnavailable.
func (d *FFmpegDriver) Open(ctx context.Context, deviceID string, kind DeviceKind) (Stream, error) {
	format := audio.PCM16(d.SampleRate, channelsFor(kind))

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, d.inputArgs(deviceID, kind)...)
	args = append(args,
		"-ac", fmt.Sprint(format.Channels),
		"-ar", fmt.Sprint(format.SampleRate),
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"pipe:1",
	)

	// The stream outlives ctx (the request that started the recording).
	cmd := exec.Command(d.Bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, d.Bin, err)
	}

	s := &ffmpegStream{cmd: cmd, r: stdout, format: format, stderr: stderr}

	type first struct {
		b   []byte
		err error
	}
	got := make(chan first, 1)
	go func() {
		buf := make([]byte, format.BlockAlign()*256)
		n, err := io.ReadAtLeast(stdout, buf, format.BlockAlign())
		got <- first{buf[:n], err}
	}()

	timeout := d.OpenTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-got:
		if f.err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: %s %q: %s", ErrDeviceUnavailable, kind, deviceID, stderr.String())
		}
		s.pending = f.b
	case <-timer.C:
		s.Close()
		return nil, fmt.Errorf("%w: %s %q produced no audio within %s", ErrDeviceUnavailable, kind, deviceID, timeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}

	d.Log.Debug().
		Str("device", deviceID).
		Str("kind", string(kind)).
		Int("sample_rate", format.SampleRate).
		Int("channels", format.Channels).
		Msg("capture stream opened")
	return s, nil
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	r       io.ReadCloser
	format  audio.Format
	stderr  *tailBuffer
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

func (s *ffmpegStream) Read(p []byte) (int, error) {
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		return n, nil
	}
	n, err := s.r.Read(p)
	if err != nil && errors.Is(err, io.EOF) {
		if msg := s.stderr.String(); msg != "" {
			return n, fmt.Errorf("ffmpeg exited: %s", msg)
		}
	}
	return n, err
}

func (s *ffmpegStream) Format() audio.Format { return s.format }

// Close kills ffmpeg. Raw PCM has no trailer to flush, so a hard stop loses
// nothing already read.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		s.r.Close()
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// ── Device listing ───────────────────────────────────────────────────

// Devices lists capture endpoints for the running platform.
func (d *FFmpegDriver) Devices(ctx context.Context) (DeviceList, error) {
	switch d.goos {
	case "darwin":
		out, _ := exec.CommandContext(ctx, d.Bin, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "").CombinedOutput()
		return parseAVFoundation(out), nil
	case "windows":
		out, _ := exec.CommandContext(ctx, d.Bin, "-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy").CombinedOutput()
		return parseDShow(out), nil
	default:
		return d.pulseDevices(ctx)
	}
}

func (d *FFmpegDriver) pulseDevices(ctx context.Context) (DeviceList, error) {
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return DeviceList{}, fmt.Errorf("pactl list sources: %w", err)
	}
	defSource, _ := exec.CommandContext(ctx, "pactl", "get-default-source").Output()
	defSink, _ := exec.CommandContext(ctx, "pactl", "get-default-sink").Output()
	return parsePactlSources(out, strings.TrimSpace(string(defSource)), strings.TrimSpace(string(defSink))), nil
}

// parsePactlSources parses `pactl list short sources`. Monitor sources are
// the loopback side of an output sink.
func parsePactlSources(out []byte, defSource, defSink string) DeviceList {
	list := DeviceList{Inputs: []Device{}, Outputs: []Device{}}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		name := fields[1]
		if sink, ok := strings.CutSuffix(name, ".monitor"); ok {
			list.Outputs = append(list.Outputs, Device{
				ID: sink, Name: sink, Kind: Output, IsDefault: sink == defSink,
			})
			continue
		}
		list.Inputs = append(list.Inputs, Device{
			ID: name, Name: name, Kind: Input, IsDefault: name == defSource,
		})
	}
	return list
}

var (
	avfDeviceRe  = regexp.MustCompile(`\[(\d+)\] (.+)$`)
	dshowAudioRe = regexp.MustCompile(`"([^"]+)" \(audio\)`)
)

// loopbackHint matches virtual devices commonly used to capture system audio.
var loopbackHint = regexp.MustCompile(`(?i)blackhole|soundflower|loopback|stereo mix|what u hear|cable output`)

// parseAVFoundation parses the device listing ffmpeg prints to stderr. Only
// the audio section is considered.
func parseAVFoundation(out []byte) DeviceList {
	list := DeviceList{Inputs: []Device{}, Outputs: []Device{}}
	inAudio := false
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		m := avfDeviceRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		dev := Device{ID: m[1], Name: strings.TrimSpace(m[2]), Kind: Input}
		if loopbackHint.MatchString(dev.Name) {
			dev.Kind = Output
			list.Outputs = append(list.Outputs, dev)
			continue
		}
		list.Inputs = append(list.Inputs, dev)
	}
	markFirstDefault(list.Inputs)
	markFirstDefault(list.Outputs)
	return list
}

func parseDShow(out []byte) DeviceList {
	list := DeviceList{Inputs: []Device{}, Outputs: []Device{}}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := dshowAudioRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		dev := Device{ID: m[1], Name: m[1], Kind: Input}
		if loopbackHint.MatchString(dev.Name) {
			dev.Kind = Output
			list.Outputs = append(list.Outputs, dev)
			continue
		}
		list.Inputs = append(list.Inputs, dev)
	}
	markFirstDefault(list.Inputs)
	markFirstDefault(list.Outputs)
	return list
}

func markFirstDefault(devs []Device) {
	if len(devs) > 0 {
		devs[0].IsDefault = true
	}
}
