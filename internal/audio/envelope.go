package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sort"
	"time"
)

// DefaultFrame is the envelope resolution used for speaker attribution.
const DefaultFrame = 100 * time.Millisecond

// minActiveLevel is the RMS floor (full scale = 1) below which a frame is
// never counted as speech.
const minActiveLevel = 0.01

// Envelope is the per-frame RMS level of a track, normalized to [0,1].
type Envelope struct {
	Frame  time.Duration
	Levels []float64
	thresh float64
}

// ComputeEnvelope reads the whole WAV at path and returns its RMS envelope.
func ComputeEnvelope(path string, frame time.Duration) (*Envelope, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if frame <= 0 {
		frame = DefaultFrame
	}
	env := &Envelope{Frame: frame}
	for {
		// Read in multiples of the frame so frames never straddle reads.
		chunk, err := r.Next(frame * 600)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		env.Levels = append(env.Levels, rmsFrames(chunk, r.Info().Format, frame)...)
	}
	env.thresh = adaptiveThreshold(env.Levels)
	return env, nil
}

func rmsFrames(pcm []byte, f Format, frame time.Duration) []float64 {
	frameBytes := int(frame.Seconds()*float64(f.SampleRate)) * f.BlockAlign()
	if frameBytes <= 0 {
		return nil
	}
	out := make([]float64, 0, len(pcm)/frameBytes+1)
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		var sum float64
		n := 0
		for i := off; i+1 < end; i += 2 {
			s := float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
			sum += s * s
			n++
		}
		if n == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Sqrt(sum/float64(n)))
	}
	return out
}

// adaptiveThreshold sits well above the track's noise floor (its 20th
// percentile level) and never below minActiveLevel.
func adaptiveThreshold(levels []float64) float64 {
	if len(levels) == 0 {
		return minActiveLevel
	}
	sorted := append([]float64(nil), levels...)
	sort.Float64s(sorted)
	floor := sorted[len(sorted)/5]
	return math.Max(minActiveLevel, floor*3)
}

// Threshold is the level above which a frame counts as active.
func (e *Envelope) Threshold() float64 { return e.thresh }

// Duration is the length covered by the envelope.
func (e *Envelope) Duration() time.Duration {
	return time.Duration(len(e.Levels)) * e.Frame
}

// ActiveFraction returns the share of frames in [startMs, endMs) whose level
// is above the threshold. A nil envelope or empty range yields 0.
func (e *Envelope) ActiveFraction(startMs, endMs int64) float64 {
	if e == nil || len(e.Levels) == 0 || endMs <= startMs {
		return 0
	}
	frameMs := e.Frame.Milliseconds()
	first := int(startMs / frameMs)
	last := int((endMs + frameMs - 1) / frameMs)
	if first >= len(e.Levels) {
		return 0
	}
	if last > len(e.Levels) {
		last = len(e.Levels)
	}
	active := 0
	for _, l := range e.Levels[first:last] {
		if l > e.thresh {
			active++
		}
	}
	return float64(active) / float64(last-first)
}
