// Package classifier decides whether a mail message asks for (or promises)
// concrete work, and if so drafts a task for it. The decision is made by an
// OpenAI-compatible chat model behind a cheap keyword prefilter.
package classifier

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	ErrMalformedResponse = errors.New("classifier: malformed model response")
	ErrNotConfigured     = errors.New("classifier: no API key configured")
)

// Request is one message to classify. Body is already stripped and capped.
type Request struct {
	Subject    string
	Body       string
	ReceivedAt time.Time
	// FromMe is true when the connected user wrote the message.
	FromMe bool
}

// TaskDraft carries the model's fields verbatim; normalization happens when
// the task is stored.
type TaskDraft struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDateISO  string `json:"dueDateISO"`
}

type Verdict struct {
	Actionable bool
	Reason     string
	Task       *TaskDraft
}

type Classifier interface {
	Classify(ctx context.Context, req Request) (Verdict, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, req Request) (Verdict, error)

func (f Func) Classify(ctx context.Context, req Request) (Verdict, error) { return f(ctx, req) }

var (
	// First-person commitments in mail the user wrote.
	outboundCommitment = regexp.MustCompile(`(?i)(i[' ’]?ll|i will|i shall|i can|i’m going to|i'm going to|i am going to)`)

	// Requests and deadlines directed at the user.
	inboundHints = regexp.MustCompile(`(?i)(due|deadline|asap|urgent|please (send|provide|review|sign|approve|confirm|schedule)|need(ed)?|required|by \d{4}-\d{2}-\d{2}|invoice|payment|bank|document|upload|follow up|call|meeting|book|schedule)`)
)

// Worth reports whether req could plausibly be actionable. Messages that fail
// this check are classified as not actionable without calling the model.
func Worth(req Request) bool {
	text := strings.ToLower(req.Subject + " " + req.Body)
	if req.FromMe {
		return outboundCommitment.MatchString(text)
	}
	return inboundHints.MatchString(text)
}
