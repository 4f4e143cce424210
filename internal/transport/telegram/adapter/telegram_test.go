package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShortIsSingleChunk(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 6)
	s := strings.Join([]string{line, line, line, line}, "\n")
	chunks := splitText(s, 14)
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 14 {
			t.Fatalf("chunk %d too long: %q", i, c)
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d has stray newline: %q", i, c)
		}
	}
	if joined := strings.Join(chunks, "\n"); joined != s {
		t.Fatalf("rejoined text differs:\n%q\n%q", joined, s)
	}
}

func TestSplitTextCountsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 25)
	chunks := splitText(s, 10)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if utf8.RuneCountInString(chunks[2]) != 5 {
		t.Fatalf("last chunk = %q", chunks[2])
	}
}
