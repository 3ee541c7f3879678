package summarize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// Profile controls the size of a summary.
type Profile struct {
	Name              string
	MaxTokens         int
	Bullets           int
	AbstractSentences int
	ChunkChars        int
	ChunkOverlap      int
}

// Length profiles.
var profiles = map[string]Profile{
	"short": {Name: "short", MaxTokens: 4096, Bullets: 8, AbstractSentences: 8, ChunkChars: 7000, ChunkOverlap: 700},
	"mid":   {Name: "mid", MaxTokens: 8192, Bullets: 12, AbstractSentences: 12, ChunkChars: 7000, ChunkOverlap: 700},
	"long":  {Name: "long", MaxTokens: 16384, Bullets: 15, AbstractSentences: 15, ChunkChars: 7000, ChunkOverlap: 700},
}

// DefaultLength is used when neither the request nor settings name one.
const DefaultLength = "mid"

// ProfileFor returns the profile named length.
func ProfileFor(length string) (Profile, error) {
	p, ok := profiles[length]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown length %q (want short, mid or long)", ErrInvalidLength, length)
	}
	return p, nil
}

const systemPrompt = `You write concise meeting summaries. Return ONLY strict JSON with keys "abstract_md" and "bullets_md". "bullets_md" is an array of bullet strings. Support every statement with citations of the form [#ID] using only the segment IDs that appear in the input. Write each citation separately, like [#3][#4], never [#3, #4].`

var chunkTpl = pongo2.Must(pongo2.FromString(`Summarize the following transcript chunk. Output JSON only.
Abstract: Up to {{ sentences }} concise sentences.
Bullets: Up to {{ bullets }} key points that make sense and contain a relevant detail, each one line.
Allowed citation IDs: {{ ids }}.

Transcript:
{{ transcript|safe }}`))

var reduceTpl = pongo2.Must(pongo2.FromString(`Combine the partial summaries into a final result. Output JSON only. Avoid duplicates and keep the citations.
Abstract: Up to {{ sentences }} sentences.
Bullets: Up to {{ max_bullets }} deduplicated key points.

Abstracts:
{% for a in abstracts %}{{ a|safe }}

{% endfor %}Bullets:
{% for b in bullets %}- {{ b|safe }}
{% endfor %}`))

func renderChunkPrompt(p Profile, c Chunk) (string, error) {
	return chunkTpl.Execute(pongo2.Context{
		"sentences":  p.AbstractSentences,
		"bullets":    p.Bullets,
		"ids":        joinIDs(c.IDs),
		"transcript": c.Text,
	})
}

func renderReducePrompt(p Profile, partials []Partial) (string, error) {
	var abstracts, bullets []string
	for _, part := range partials {
		if part.AbstractMD != "" {
			abstracts = append(abstracts, part.AbstractMD)
		}
		bullets = append(bullets, part.BulletsMD...)
	}
	return reduceTpl.Execute(pongo2.Context{
		"sentences":   p.AbstractSentences,
		"max_bullets": p.Bullets,
		"abstracts":   abstracts,
		"bullets":     bullets,
	})
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = "#" + strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
