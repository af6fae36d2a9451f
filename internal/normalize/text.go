package normalize

import (
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// particles are surname pieces that stay lowercase when title-casing,
// except in leading position ("de la Rocha", but "Van Dyke" stays "Van"
// only when the source capitalized it first; we normalize to lowercase).
var particles = map[string]bool{
	"de": true, "du": true, "da": true, "di": true, "del": true,
	"della": true, "la": true, "le": true, "van": true, "von": true,
	"der": true, "den": true, "ten": true, "ter": true, "op": true,
	"st": true, "st.": true,
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanName trims, collapses internal whitespace, applies Unicode NFC, and
// title-cases with the surname-particle allow-list.
func CleanName(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	s = whitespaceRun.ReplaceAllString(s, " ")
	if s == "" {
		return ""
	}

	words := strings.Split(s, " ")
	for i, w := range words {
		lower := strings.ToLower(w)
		if i > 0 && particles[lower] {
			words[i] = lower
			continue
		}
		words[i] = titleWord(lower)
	}
	return strings.Join(words, " ")
}

// titleWord capitalizes the first letter and any letter following a hyphen
// or apostrophe: "jean-luc" → "Jean-Luc", "o'brien" → "O'Brien".
func titleWord(w string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range w {
		if upperNext && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			upperNext = false
			continue
		}
		if r == '-' || r == '\'' || r == '’' {
			upperNext = true
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CleanText trims, collapses whitespace, and applies NFC without touching
// letter case. Titles and summaries keep their source casing.
func CleanText(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	return whitespaceRun.ReplaceAllString(s, " ")
}

// ValidURL reports whether s parses as an http or https URL.
func ValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

var yearOnly = regexp.MustCompile(`^\d{4}$`)

// dateLayouts are tried in order for full dates.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2006/01/02",
}

// ParseDate parses ISO-8601 and the long forms civic sources use. A bare
// year is ambiguous; it resolves to July 1 of that year and reports
// approx=true so the caller can record an issue.
func ParseDate(s string) (t time.Time, approx bool, err error) {
	s = strings.TrimSpace(s)
	if yearOnly.MatchString(s) {
		t, err = time.Parse("2006", s)
		if err != nil {
			return time.Time{}, false, err
		}
		return time.Date(t.Year(), time.July, 1, 0, 0, 0, 0, time.UTC), true, nil
	}
	for _, layout := range dateLayouts {
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, err
}
