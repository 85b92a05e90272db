package util

import (
	"strings"
	"testing"
)

func TestTruncateLog_ShortString(t *testing.T) {
	input := "short log"
	if got := TruncateLog(input, DefaultLogMaxLen); got != input {
		t.Errorf("TruncateLog() should not truncate short strings, got %q", got)
	}
}

func TestTruncateLog_ExactLimit(t *testing.T) {
	input := "12345678901234567890"
	if got := TruncateLog(input, 20); got != input {
		t.Errorf("TruncateLog() should not truncate at exact limit, got %q", got)
	}
}

func TestTruncateLog_LongString(t *testing.T) {
	got := TruncateLog("1234567890abcdefghij", 10)
	want := "1234567890... [truncated, 20 bytes total]"
	if got != want {
		t.Errorf("TruncateLog() = %q, want %q", got, want)
	}
}

func TestTruncateLog_DoesNotSplitRune(t *testing.T) {
	// "é" is two bytes; a cut at byte 2 would land inside it.
	got := TruncateLog("aé and more", 2)
	if !strings.HasPrefix(got, "a...") {
		t.Errorf("TruncateLog() = %q, want cut before the multibyte rune", got)
	}
}

func TestTruncateBytes_LongBytes(t *testing.T) {
	input := []byte(strings.Repeat("x", 2000))
	got := TruncateBytes(input)
	if got[:DefaultLogMaxLen] != string(input[:DefaultLogMaxLen]) {
		t.Error("TruncateBytes() should preserve first DefaultLogMaxLen bytes")
	}
	if !strings.HasSuffix(got, "[truncated, 2000 bytes total]") {
		t.Errorf("TruncateBytes() suffix missing, got tail %q", got[len(got)-40:])
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo wörld", 7, "héllo w"},
		{"anything", 0, ""},
		{"", 4, ""},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.n); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
