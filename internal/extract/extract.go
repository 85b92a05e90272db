// Package extract pulls the newest author-written text out of a mail message.
//
// This is a best-effort heuristic, not a MIME or HTML parser. It is lossy and
// order-sensitive: markers are checked in a fixed priority order and the text
// is cut at the first line that matches any of them. Output feeds a tolerant
// classifier, so an occasional over- or under-cut is acceptable.
package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pysugar/inbox-tasks/internal/upstream/graph"
)

// Perspective says whether the connected user wrote the message or received it.
type Perspective int

const (
	Inbound Perspective = iota
	Outbound
)

func (p Perspective) String() string {
	if p == Outbound {
		return "outbound"
	}
	return "inbound"
}

var (
	// Standard mode cut markers, in priority order.
	standardMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^from:\s`),
		regexp.MustCompile(`(?i)^on .* wrote:\s*$`),
		regexp.MustCompile(`^[-_]{2,}$`),
		regexp.MustCompile(`^>`),
	}

	// Aggressive mode adds the rest of the forwarded-header block.
	aggressiveMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^from:\s`),
		regexp.MustCompile(`(?i)^sent:\s`),
		regexp.MustCompile(`(?i)^to:\s`),
		regexp.MustCompile(`(?i)^subject:\s`),
		regexp.MustCompile(`(?i)^on .* wrote:\s*$`),
		regexp.MustCompile(`^[-_]{2,}$`),
		regexp.MustCompile(`^>`),
	}

	boilerplate = regexp.MustCompile(`(?i)\b(disclaimer|confidential|unsubscribe|please consider the environment)\b`)

	dropBlocks   = regexp.MustCompile(`(?is)<(style|script|head)\b.*?</(style|script|head)\s*>`)
	lineBreaks   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|blockquote|table)\s*>`)
	horizontalHR = regexp.MustCompile(`(?i)<hr\b[^>]*>`)
	inlineSpace  = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// Strip returns the retained part of text for the given perspective, trimmed.
// Inbound mail is cut at quoted-reply markers and has footer lines removed.
// Outbound mail is also cut at any header-style line.
// A marker on the very first line cuts nothing: a forward with no note on top
// is kept whole. An empty result is a normal outcome that callers treat as
// "nothing to do".
func Strip(text string, p Perspective) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	markers := standardMarkers
	if p == Outbound {
		markers = aggressiveMarkers
	}
	if idx := firstMarker(lines, markers); idx > 0 {
		lines = lines[:idx]
	}

	if p == Inbound {
		kept := lines[:0]
		for _, l := range lines {
			if !boilerplate.MatchString(l) {
				kept = append(kept, l)
			}
		}
		lines = kept
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func firstMarker(lines []string, markers []*regexp.Regexp) int {
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		for _, m := range markers {
			if m.MatchString(l) || m.MatchString(trimmed) {
				return i
			}
		}
	}
	return -1
}

// Extractor converts provider message bodies to plain text.
type Extractor struct {
	policy *bluemonday.Policy
}

func New() *Extractor {
	return &Extractor{policy: bluemonday.StrictPolicy()}
}

// Newest returns the unique (non-quoted) body of msg as plain text, falling
// back to the provider's preview when the unique body is empty.
func (e *Extractor) Newest(msg *graph.Message) string {
	if msg == nil {
		return ""
	}
	if msg.UniqueBody != nil && strings.TrimSpace(msg.UniqueBody.Content) != "" {
		if strings.EqualFold(msg.UniqueBody.ContentType, "html") {
			return e.HTMLToText(msg.UniqueBody.Content)
		}
		return msg.UniqueBody.Content
	}
	return msg.BodyPreview
}

// Extract is Strip applied to Newest.
func (e *Extractor) Extract(msg *graph.Message, p Perspective) string {
	return Strip(e.Newest(msg), p)
}

// HTMLToText drops markup while keeping block boundaries as line breaks so
// the line-oriented markers in Strip still apply. <hr> becomes a separator
// line.
func (e *Extractor) HTMLToText(s string) string {
	s = dropBlocks.ReplaceAllString(s, "")
	s = horizontalHR.ReplaceAllString(s, "\n----\n")
	s = lineBreaks.ReplaceAllString(s, "\n")
	s = html.UnescapeString(e.policy.Sanitize(s))
	return normalizeWhitespace(s)
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineSpace.ReplaceAllString(l, " "))
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(s, "\n\n"))
}
