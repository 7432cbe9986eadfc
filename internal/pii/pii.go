// Package pii finds and redacts personal identifiers in free text before it
// leaves the trusted side of the system.
package pii

import (
	"regexp"
	"sort"
	"strings"
)

// Kind names a class of identifier.
type Kind string

const (
	KindEmail     Kind = "email"
	KindPhone     Kind = "phone"
	KindPostcode  Kind = "postcode"
	KindURL       Kind = "url"
	KindStudentID Kind = "student_id"
)

type pattern struct {
	kind   Kind
	re     *regexp.Regexp
	marker string
}

// Patterns are applied in this order when redacting. URLs go first so an
// address embedded in a link is removed as part of the link.
var patterns = []pattern{
	{KindURL, regexp.MustCompile(`https?://[^\s]+`), "[URL_REDACTED]"},
	{KindStudentID, regexp.MustCompile(`\b[A-Z]\d{7}\b`), "[STUDENT_ID_REDACTED]"},
	{KindEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL_REDACTED]"},
	{KindPhone, regexp.MustCompile(`(?:\+44\s?|\b0)(?:\d\s?){8,9}\d\b`), "[PHONE_REDACTED]"},
	{KindPostcode, regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z\d]?\s?\d[A-Z]{2}\b`), "[POSTCODE_REDACTED]"},
}

const literalMarker = "[REDACTED]"

// Match is one identifier found in text.
type Match struct {
	Kind  Kind
	Value string
	Start int
	End   int
}

// Detect returns every match of the requested kinds, or of all kinds when none
// are given, ordered by position.
func Detect(text string, kinds ...Kind) []Match {
	want := kindSet(kinds)
	var out []Match
	for _, p := range patterns {
		if want != nil && !want[p.kind] {
			continue
		}
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			out = append(out, Match{Kind: p.kind, Value: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Contains reports whether text holds any identifier of the given kinds.
func Contains(text string, kinds ...Kind) bool {
	want := kindSet(kinds)
	for _, p := range patterns {
		if want != nil && !want[p.kind] {
			continue
		}
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}

// Redact replaces identifiers with typed markers. Literals, such as a known
// student name, are replaced case-insensitively before the patterns run. It
// returns the redacted text and the number of replacements.
func Redact(text string, literals ...string) (string, int) {
	count := 0
	for _, lit := range literals {
		lit = strings.TrimSpace(lit)
		if lit == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(lit))
		text = re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return literalMarker
		})
	}
	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return p.marker
		})
	}
	return text, count
}

func kindSet(kinds []Kind) map[Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}
