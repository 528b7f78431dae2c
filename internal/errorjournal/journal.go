// Package errorjournal implements the bounded, de-duplicated error log a
// post office exposes to its application through Error().
package errorjournal

import "sync"

const overflowMarker = "..."

// Journal is a bounded FIFO of human-readable error strings. Consecutive
// identical entries collapse into one; once full, the newest entry is
// replaced by an overflow marker rather than growing further, leaving
// older entries intact.
type Journal struct {
	mu       sync.Mutex
	entries  []string
	capacity int
}

// New creates a Journal holding at most capacity distinct entries.
func New(capacity int) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{capacity: capacity}
}

// Set records err. A no-op (returns false) if err is empty or equal to the
// most recently recorded entry. If the journal is already at capacity, the
// newest (tail) entry is replaced with the overflow marker and the new
// entry is dropped; Set still returns false in that case since err itself
// was not recorded verbatim.
func (j *Journal) Set(err string) bool {
	if err == "" {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if n := len(j.entries); n > 0 && j.entries[n-1] == err {
		return false
	}
	if len(j.entries) >= j.capacity {
		j.entries[len(j.entries)-1] = overflowMarker
		return false
	}
	j.entries = append(j.entries, err)
	return true
}

// Get pops and returns the oldest entry, or "" if the journal is empty.
func (j *Journal) Get() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) == 0 {
		return ""
	}
	head := j.entries[0]
	j.entries = j.entries[1:]
	return head
}

// HasError reports whether any entry is pending.
func (j *Journal) HasError() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries) > 0
}
