package summarize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Partial is the summary of one chunk, or the reduced result.
type Partial struct {
	AbstractMD string   `json:"abstract_md"`
	BulletsMD  []string `json:"bullets_md"`
}

type rawPartial struct {
	AbstractMD any             `json:"abstract_md"`
	BulletsMD  json.RawMessage `json:"bullets_md"`
}

var sentenceSplit = regexp.MustCompile(`[\n.;]`)

// ParseLenient extracts a Partial from model output. It tries the whole text
// as JSON, then the outermost {...} block, then falls back to dash lines.
func ParseLenient(text string) Partial {
	t := strings.TrimSpace(text)
	if p, ok := decodePartial(t); ok {
		return p
	}
	if i, j := strings.Index(t, "{"), strings.LastIndex(t, "}"); i >= 0 && j > i {
		if p, ok := decodePartial(t[i : j+1]); ok {
			return p
		}
	}

	var bullets []string
	for _, line := range strings.Split(t, "\n") {
		s := strings.TrimSpace(line)
		if strings.HasPrefix(s, "-") {
			if b := strings.TrimSpace(strings.TrimLeft(s, "- ")); b != "" {
				bullets = append(bullets, b)
			}
		}
	}
	if len(bullets) == 0 {
		for _, s := range sentenceSplit.Split(t, -1) {
			if s = strings.TrimSpace(s); s != "" {
				bullets = append(bullets, s)
			}
			if len(bullets) == 6 {
				break
			}
		}
	}
	head := bullets
	if len(head) > 3 {
		head = head[:3]
	}
	return Partial{AbstractMD: strings.Join(head, ". "), BulletsMD: bullets}
}

func decodePartial(s string) (Partial, bool) {
	var raw rawPartial
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Partial{}, false
	}
	p := Partial{}
	if a, ok := raw.AbstractMD.(string); ok {
		p.AbstractMD = strings.TrimSpace(a)
	}

	var list []any
	var single string
	switch {
	case len(raw.BulletsMD) == 0:
	case json.Unmarshal(raw.BulletsMD, &list) == nil:
		for _, v := range list {
			if s, ok := v.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					p.BulletsMD = append(p.BulletsMD, s)
				}
			}
		}
	case json.Unmarshal(raw.BulletsMD, &single) == nil:
		for _, line := range strings.Split(single, "\n") {
			if s := strings.TrimSpace(line); s != "" {
				p.BulletsMD = append(p.BulletsMD, s)
			}
		}
	}
	return p, true
}

// bulletPrefix matches list markers models put in front of bullets.
var bulletPrefix = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)

// DedupeBullets strips list markers, drops empty and case-insensitive
// duplicates and keeps at most max bullets.
func DedupeBullets(bullets []string, max int) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, b := range bullets {
		b = strings.TrimSpace(bulletPrefix.ReplaceAllString(b, ""))
		key := strings.ToLower(b)
		if b == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, b)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}
