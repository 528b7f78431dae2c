package errorjournal

import "testing"

func TestSetAndGetFIFO(t *testing.T) {
	j := New(4)

	if !j.Set("first") {
		t.Fatal("expected first Set to record")
	}
	if !j.Set("second") {
		t.Fatal("expected second Set to record")
	}

	if got := j.Get(); got != "first" {
		t.Fatalf("expected FIFO order, got %q", got)
	}
	if got := j.Get(); got != "second" {
		t.Fatalf("expected FIFO order, got %q", got)
	}
	if got := j.Get(); got != "" {
		t.Fatalf("expected empty journal to return \"\", got %q", got)
	}
}

func TestSetIgnoresEmptyString(t *testing.T) {
	j := New(4)
	if j.Set("") {
		t.Fatal("expected Set(\"\") to be a no-op")
	}
	if j.HasError() {
		t.Fatal("expected journal to remain empty")
	}
}

func TestSetCollapsesConsecutiveDuplicates(t *testing.T) {
	j := New(4)

	j.Set("boom")
	if j.Set("boom") {
		t.Fatal("expected a duplicate consecutive Set to be a no-op")
	}
	j.Set("boom")

	if got := j.Get(); got != "boom" {
		t.Fatalf("expected a single collapsed entry, got %q", got)
	}
	if j.HasError() {
		t.Fatal("expected only one entry to have been recorded")
	}
}

func TestSetAllowsRepeatAfterDifferentEntry(t *testing.T) {
	j := New(4)

	j.Set("boom")
	j.Set("bang")
	if !j.Set("boom") {
		t.Fatal("expected a non-consecutive repeat to record again")
	}

	if got := j.Get(); got != "boom" {
		t.Fatalf("expected %q, got %q", "boom", got)
	}
	if got := j.Get(); got != "bang" {
		t.Fatalf("expected %q, got %q", "bang", got)
	}
	if got := j.Get(); got != "boom" {
		t.Fatalf("expected %q, got %q", "boom", got)
	}
}

func TestSetOverflowsNewestEntry(t *testing.T) {
	j := New(2)

	j.Set("one")
	j.Set("two")
	// Journal is now full; a third distinct entry must overflow the tail
	// (the newest entry) rather than growing past capacity, leaving the
	// older entry untouched.
	j.Set("three")

	if got := j.Get(); got != "one" {
		t.Fatalf("expected the oldest entry to survive, got %q", got)
	}
	if got := j.Get(); got != overflowMarker {
		t.Fatalf("expected the newest entry to become the overflow marker, got %q", got)
	}
}

func TestNewClampsCapacityToAtLeastOne(t *testing.T) {
	j := New(0)
	if !j.Set("a") {
		t.Fatal("expected a zero-capacity Journal to still record one entry")
	}
}
