package transcribe

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/audio"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
)

// Speaker labels per track.
const (
	SpeakerLocal  = "You"
	SpeakerRemote = "Remote"
)

const (
	// duplicateWindowMs is how close two identical texts on different tracks
	// must start to be treated as one utterance heard twice.
	duplicateWindowMs = 500
	// activeFraction is the share of a segment's frames above the activity
	// threshold for a track to count as speaking.
	activeFraction = 0.3
)

// Track is the recognition output of one audio file.
type Track struct {
	Source   string // database.TrackMic or database.TrackSystem
	Pieces   []Piece
	Envelope *audio.Envelope // may be nil
}

type candidate struct {
	Piece
	source string
}

// Merge interleaves the mic and system pieces into ordered, non-overlapping
// segments with IDs 1..N. Where the tracks overlap the mic keeps its time
// span and the system piece is trimmed; system pieces repeating a mic piece
// (loopback bleed) are dropped.
func Merge(mic, system Track) []database.Segment {
	cands := make([]candidate, 0, len(mic.Pieces)+len(system.Pieces))
	for _, p := range mic.Pieces {
		cands = append(cands, candidate{p, database.TrackMic})
	}
	for _, p := range system.Pieces {
		if duplicatesAny(p, mic.Pieces) {
			continue
		}
		cands = append(cands, candidate{p, database.TrackSystem})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.StartMs != b.StartMs {
			return a.StartMs < b.StartMs
		}
		if a.source != b.source {
			return a.source == database.TrackMic
		}
		return a.EndMs < b.EndMs
	})

	var out []candidate
	for _, c := range cands {
		if c.EndMs <= c.StartMs {
			continue
		}
		// Mic wins: cut back system segments that run into it.
		for len(out) > 0 && c.source == database.TrackMic {
			last := &out[len(out)-1]
			if last.source != database.TrackSystem || last.EndMs <= c.StartMs {
				break
			}
			last.EndMs = c.StartMs
			if last.EndMs > last.StartMs {
				break
			}
			out = out[:len(out)-1]
		}
		if len(out) > 0 {
			if prevEnd := out[len(out)-1].EndMs; c.StartMs < prevEnd {
				c.StartMs = prevEnd
				if c.EndMs <= c.StartMs {
					continue
				}
			}
		}
		out = append(out, c)
	}

	segs := make([]database.Segment, len(out))
	for i, c := range out {
		segs[i] = database.Segment{
			ID:         i + 1,
			StartMs:    c.StartMs,
			EndMs:      c.EndMs,
			Speaker:    speakerFor(c, mic.Envelope, system.Envelope),
			Source:     c.source,
			Text:       c.Text,
			Confidence: c.Confidence,
		}
	}
	return segs
}

// speakerFor labels a segment from track activity over its span. When both
// tracks are active the mic is preferred; when neither is, the source track
// decides.
func speakerFor(c candidate, micEnv, sysEnv *audio.Envelope) string {
	micActive := micEnv.ActiveFraction(c.StartMs, c.EndMs) >= activeFraction
	sysActive := sysEnv.ActiveFraction(c.StartMs, c.EndMs) >= activeFraction
	switch {
	case micActive:
		return SpeakerLocal
	case sysActive:
		return SpeakerRemote
	case c.source == database.TrackMic:
		return SpeakerLocal
	default:
		return SpeakerRemote
	}
}

func duplicatesAny(p Piece, others []Piece) bool {
	norm := normalize(p.Text)
	if norm == "" {
		return false
	}
	for _, o := range others {
		d := o.StartMs - p.StartMs
		if d < 0 {
			d = -d
		}
		if d < duplicateWindowMs && normalize(o.Text) == norm {
			return true
		}
	}
	return false
}

// normalize lowercases and drops punctuation so "Okay." equals "okay".
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}
