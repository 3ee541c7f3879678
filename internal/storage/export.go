package storage

import (
	"fmt"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
	"github.com/flosch/pongo2/v6"
)

var exportTemplate = pongo2.Must(pongo2.FromString(`# {{ title|safe }}

{{ date }}{% if duration %} · {{ duration }}{% endif %}
{% if abstract %}
## Summary

{{ abstract|safe }}
{% if bullets %}
### Key points
{% for b in bullets %}
- {{ b|safe }}{% endfor %}
{% endif %}{% endif %}
## Transcript
{% for s in segments %}
**[#{{ s.id }}] {{ s.at }} {{ s.speaker|safe }}:** {{ s.text|safe }}
{% empty %}
_No transcript yet._
{% endfor %}`))

// RenderMarkdown renders a meeting, its transcript and its summary (nil when
// absent) as a markdown document.
func RenderMarkdown(m *database.Meeting, segs []database.Segment, sum *database.Summary) (string, error) {
	title := m.Title
	if title == "" {
		title = fmt.Sprintf("Meeting %d", m.ID)
	}
	ctx := pongo2.Context{
		"title": title,
		"date":  m.CreatedAt.Local().Format("2006-01-02 15:04"),
	}
	if m.StartedAt != nil && m.EndedAt != nil {
		ctx["duration"] = m.EndedAt.Sub(*m.StartedAt).Round(time.Second).String()
	}
	if sum != nil {
		ctx["abstract"] = sum.AbstractMD
		ctx["bullets"] = sum.BulletsMD
	}

	rows := make([]map[string]any, 0, len(segs))
	for _, s := range segs {
		rows = append(rows, map[string]any{
			"id":      s.ID,
			"at":      clock(s.StartMs),
			"speaker": s.Speaker,
			"text":    s.Text,
		})
	}
	ctx["segments"] = rows

	return exportTemplate.Execute(ctx)
}

func clock(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
