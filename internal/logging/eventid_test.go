package logging

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
)

func TestNewEventID(t *testing.T) {
	id := NewEventID()
	if len(id) != 8 {
		t.Errorf("NewEventID() length = %d, want 8", len(id))
	}
	if id2 := NewEventID(); id == id2 {
		t.Errorf("NewEventID() generated duplicate IDs: %s", id)
	}
}

func TestEventIDContext(t *testing.T) {
	ctx := context.Background()
	if got := EventID(ctx); got != "" {
		t.Errorf("EventID(empty context) = %q, want empty string", got)
	}

	ctx = WithEventID(ctx, "test1234")
	if got := EventID(ctx); got != "test1234" {
		t.Errorf("EventID() = %q, want %q", got, "test1234")
	}
}

func TestPrintf_IncludesTagAndID(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	}()

	Printf(WithEventID(context.Background(), "abcd0123"), "WEBHOOK", "queued %d", 3)
	Printf(context.Background(), "RENEW", "sweep")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if lines[0] != "[WEBHOOK] [abcd0123] queued 3" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "[RENEW] sweep" {
		t.Errorf("line 1 = %q", lines[1])
	}
}
