package tokenizer

import "testing"

func TestByteHeuristicCounter_EmptyIsZero(t *testing.T) {
	var c byteHeuristicCounter
	if got := c.Count(""); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestByteHeuristicCounter_NonEmptyIsAtLeastOne(t *testing.T) {
	var c byteHeuristicCounter
	if got := c.Count("hi"); got < 1 {
		t.Fatalf("expected >= 1, got %d", got)
	}
}

func TestByteHeuristicCounter_RoughlyOneTokenPerFourBytes(t *testing.T) {
	var c byteHeuristicCounter
	text := make([]byte, 400)
	for i := range text {
		text[i] = 'a'
	}
	got := c.Count(string(text))
	if got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestNewTiktokenCounter_DefaultsDoNotPanic(t *testing.T) {
	// Loading the real cl100k_base ranks needs network access in this
	// environment; NewTiktokenCounter must never panic regardless of
	// whether that succeeds, and always returns a usable Counter.
	c := NewTiktokenCounter("", 0)
	if c == nil {
		t.Fatal("expected a non-nil counter")
	}
	if got := c.Count("hello world"); got < 1 {
		t.Fatalf("expected a positive count, got %d", got)
	}
}

func TestTiktokenCounter_CountIsCached(t *testing.T) {
	counter, ok := NewTiktokenCounter("cl100k_base", 8).(*TiktokenCounter)
	if !ok {
		t.Skip("tiktoken encoding unavailable in this environment, fell back to byte-heuristic counter")
	}
	text := "the quick brown fox jumps over the lazy dog"
	first := counter.Count(text)
	second := counter.Count(text)
	if first != second {
		t.Fatalf("expected stable count across calls, got %d then %d", first, second)
	}
}
