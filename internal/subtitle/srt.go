package subtitle

import (
	"fmt"
	"regexp"
	"strings"
)

// FormatTimestamp converts seconds to the SRT clock form HH:MM:SS,mmm.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int(seconds*1000 + 0.5)
	h := millis / 3600000
	m := millis % 3600000 / 60000
	s := millis % 60000 / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

var timestampRe = regexp.MustCompile(`^(\d+):(\d+):(\d+)[,.](\d+)$`)

// ParseTimestamp parses HH:MM:SS,mmm (or a period decimal) into seconds.
func ParseTimestamp(ts string) (float64, error) {
	m := timestampRe.FindStringSubmatch(strings.TrimSpace(ts))
	if m == nil {
		return 0, fmt.Errorf("invalid timestamp format: %q", ts)
	}
	var h, mi, s, ms int
	fmt.Sscanf(m[1], "%d", &h)
	fmt.Sscanf(m[2], "%d", &mi)
	fmt.Sscanf(m[3], "%d", &s)
	fmt.Sscanf(m[4], "%d", &ms)
	return float64(h)*3600 + float64(mi)*60 + float64(s) + float64(ms)/1000, nil
}

// RenderSRT writes segments as an SRT document: numbered records, ` --> `
// separators, one blank line between records, final trailing newline.
func RenderSRT(segments []Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", FormatTimestamp(seg.Start), FormatTimestamp(seg.End))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteString("\n\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var arrowRe = regexp.MustCompile(`(.+?)\s*-->\s*(.+)`)

// ParseSRT reads an SRT document back into segments. Malformed blocks are
// skipped rather than failing the whole document.
func ParseSRT(content string) []Segment {
	var segments []Segment
	blocks := regexp.MustCompile(`\n{2,}`).Split(strings.TrimSpace(content), -1)
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 3 {
			continue
		}
		m := arrowRe.FindStringSubmatch(lines[1])
		if m == nil {
			continue
		}
		start, err := ParseTimestamp(m[1])
		if err != nil {
			continue
		}
		end, err := ParseTimestamp(m[2])
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Start: start,
			End:   end,
			Text:  strings.Join(lines[2:], "\n"),
		})
	}
	return segments
}
