package summarize

import (
	"fmt"
	"strings"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
)

// Line is one transcript line as shown to the model.
type Line struct {
	ID   int
	Text string
}

// Chunk is a run of whole lines sent in one prompt.
type Chunk struct {
	Text string
	IDs  []int
}

// RenderLines formats segments as "[#id] Speaker: text".
func RenderLines(segs []database.Segment) []Line {
	lines := make([]Line, 0, len(segs))
	for _, s := range segs {
		speaker := strings.TrimSpace(s.Speaker)
		if speaker == "" {
			speaker = "Speaker"
		}
		lines = append(lines, Line{
			ID:   s.ID,
			Text: fmt.Sprintf("[#%d] %s: %s", s.ID, speaker, strings.TrimSpace(s.Text)),
		})
	}
	return lines
}

// ChunkLines packs lines into chunks of at most maxChars, never splitting a
// line. Each chunk after the first repeats trailing lines of the previous
// one, up to overlap characters. A line longer than maxChars is a chunk of
// its own.
func ChunkLines(lines []Line, maxChars, overlap int) []Chunk {
	if len(lines) == 0 {
		return nil
	}
	var chunks []Chunk
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) {
			n := len(lines[end].Text) + 1
			if end > start && size+n > maxChars {
				break
			}
			size += n
			end++
		}
		chunks = append(chunks, makeChunk(lines[start:end]))
		if end >= len(lines) {
			break
		}

		// Step back over trailing lines that fit in the overlap, but always
		// make progress.
		next := end
		carried := 0
		for next-1 > start && carried+len(lines[next-1].Text)+1 <= overlap {
			carried += len(lines[next-1].Text) + 1
			next--
		}
		start = next
	}
	return chunks
}

func makeChunk(lines []Line) Chunk {
	var b strings.Builder
	ids := make([]int, len(lines))
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Text)
		ids[i] = l.ID
	}
	return Chunk{Text: b.String(), IDs: ids}
}
