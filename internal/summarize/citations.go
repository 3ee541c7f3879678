package summarize

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// citationRe is the only accepted citation form.
	citationRe = regexp.MustCompile(`\[#(\d+)\]`)
	// citationListRe matches lists such as [#3, #4] or [#3;4].
	citationListRe = regexp.MustCompile(`\[\s*#\s*\d+(?:\s*[,;]\s*#?\s*\d+)+\s*\]`)
	// looseCitationRe matches single citations with stray spaces, e.g. [# 3 ].
	looseCitationRe = regexp.MustCompile(`\[\s*#\s*(\d+)\s*\]`)
	digitsRe        = regexp.MustCompile(`\d+`)

	multiSpace     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePct = regexp.MustCompile(`[ \t]+([.,;:!?])`)
)

// ValidateCitations repairs citation lists into single markers, strips
// markers whose ID is not in valid, tidies whitespace and returns the cleaned
// text with the IDs it cites in order of first appearance. Stripping can join
// the surrounding text into a new marker, so passes repeat until the text is
// stable.
func ValidateCitations(text string, valid map[int]bool) (string, []int) {
	for {
		next := tidy(stripInvalid(repairCitations(text), valid))
		if next == text {
			break
		}
		text = next
	}

	var ids []int
	seen := map[int]bool{}
	for _, id := range CitedIDs(text) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return text, ids
}

func repairCitations(text string) string {
	text = citationListRe.ReplaceAllStringFunc(text, func(m string) string {
		var b strings.Builder
		for _, d := range digitsRe.FindAllString(m, -1) {
			b.WriteString("[#" + d + "]")
		}
		return b.String()
	})
	return looseCitationRe.ReplaceAllString(text, "[#$1]")
}

func stripInvalid(text string, valid map[int]bool) string {
	return citationRe.ReplaceAllStringFunc(text, func(m string) string {
		id, err := strconv.Atoi(citationRe.FindStringSubmatch(m)[1])
		if err != nil || !valid[id] {
			return ""
		}
		return m
	})
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		l = multiSpace.ReplaceAllString(l, " ")
		l = spaceBeforePct.ReplaceAllString(l, "$1")
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// CitedIDs returns every well-formed citation ID in text.
func CitedIDs(text string) []int {
	var ids []int
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		if id, err := strconv.Atoi(m[1]); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
