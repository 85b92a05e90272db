// Package logging carries a short correlation id through each notification
// pipeline so its log lines can be grouped.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
)

type contextKey string

const eventIDKey contextKey = "eventId"

// NewEventID creates an 8-character hex id.
func NewEventID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

// EventID returns the id stored in ctx, or "" when none is set.
func EventID(ctx context.Context) string {
	if id, ok := ctx.Value(eventIDKey).(string); ok {
		return id
	}
	return ""
}

// Printf logs with the component tag and, when present, the event id:
// "[WEBHOOK] [ab12cd34] message ...".
func Printf(ctx context.Context, tag, format string, args ...any) {
	prefix := "[" + tag + "] "
	if id := EventID(ctx); id != "" {
		prefix += "[" + id + "] "
	}
	log.Print(prefix + fmt.Sprintf(format, args...))
}
