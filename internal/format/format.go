package format

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// SeverityTier classifies how urgent a violation is for the dashboard.
type SeverityTier string

const (
	SeverityHigh   SeverityTier = "high"
	SeverityMedium SeverityTier = "medium"
)

// highSeverityTypes are violation codes that are always high even without a PPE keyword.
var highSeverityTypes = map[string]struct{}{
	"GLOVES_NOT_WORN":    {},
	"FIRE_HAZARD":        {},
	"UNATTENDED_MACHINE": {},
}

// Initials returns up to two upper-cased initials of a display name, or "??" when empty.
func Initials(name string) string {
	var b strings.Builder
	n := 0
	for _, tok := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(tok)
		b.WriteRune(unicode.ToUpper(r))
		n++
		if n == 2 {
			break
		}
	}
	if n == 0 {
		return "??"
	}
	return b.String()
}

// ViolationLabel turns a code such as GOGGLES_NOT_WORN into "Goggles Not Worn".
func ViolationLabel(code string) string {
	words := strings.Fields(strings.ReplaceAll(code, "_", " "))
	for i, w := range words {
		lower := []rune(strings.ToLower(w))
		lower[0] = unicode.ToUpper(lower[0])
		words[i] = string(lower)
	}
	return strings.Join(words, " ")
}

// Severity derives the severity tier from a violation code.
func Severity(code string) SeverityTier {
	upper := strings.ToUpper(code)
	if strings.Contains(upper, "GOGGLES") || strings.Contains(upper, "PPE") {
		return SeverityHigh
	}
	if _, ok := highSeverityTypes[upper]; ok {
		return SeverityHigh
	}
	return SeverityMedium
}

// ClockTime formats t as a wall-clock time ("3:04 PM") in loc. A nil loc means UTC.
func ClockTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("3:04 PM")
}

// timestamp layouts accepted from the snapshot endpoint and the event stream.
// Naive layouts are interpreted as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 timestamp as emitted by the upstream database.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
