// Package results holds the bounded in-memory history of recent measurements.
package results

import (
	"sync"
	"time"

	"speedlog/internal/measure"
)

// DefaultCapacity is roughly one week of records at a 60s cadence.
const DefaultCapacity = 9240

// Store is a fixed-capacity FIFO ring of records, oldest first.
//
// It is safe for concurrent use. Append and the eviction it triggers happen in
// one critical section, so readers never observe more than Cap() records.
// A nil *Store behaves as an empty store.
type Store struct {
	mu   sync.RWMutex
	buf  []measure.Record
	head int // index of the oldest record once buf is full
	cap  int
}

// New creates an empty store. capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// Grow lazily; a full week of records is a few MB.
	initial := capacity
	if initial > 256 {
		initial = 256
	}
	return &Store{buf: make([]measure.Record, 0, initial), cap: capacity}
}

// Append adds rec as the newest record and reports whether the oldest record
// was evicted to make room.
func (s *Store) Append(rec measure.Record) (evicted bool) {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) < s.cap {
		s.buf = append(s.buf, rec)
		return false
	}
	s.buf[s.head] = rec
	s.head = (s.head + 1) % s.cap
	return true
}

// Snapshot returns an independent copy of the records, oldest first.
func (s *Store) Snapshot() []measure.Record {
	if s == nil {
		return []measure.Record{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderedLocked(0)
}

// Since returns the records captured at or after t, oldest first.
func (s *Store) Since(t time.Time) []measure.Record {
	if s == nil {
		return []measure.Record{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.buf)
	// Records are in capture order, so find the first match from the newest end.
	skip := n
	for skip > 0 && !s.atLocked(skip-1).CapturedAt.Before(t) {
		skip--
	}
	return s.orderedLocked(skip)
}

// Latest returns the newest record.
func (s *Store) Latest() (measure.Record, bool) {
	if s == nil {
		return measure.Record{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.buf) == 0 {
		return measure.Record{}, false
	}
	return s.atLocked(len(s.buf) - 1), true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

// Cap returns the configured capacity.
func (s *Store) Cap() int {
	if s == nil {
		return 0
	}
	return s.cap
}

// atLocked returns the i-th record in age order (0 = oldest).
func (s *Store) atLocked(i int) measure.Record {
	if len(s.buf) < s.cap {
		return s.buf[i]
	}
	return s.buf[(s.head+i)%s.cap]
}

func (s *Store) orderedLocked(skip int) []measure.Record {
	n := len(s.buf) - skip
	if n <= 0 {
		return []measure.Record{}
	}
	out := make([]measure.Record, 0, n)
	for i := skip; i < len(s.buf); i++ {
		out = append(out, s.atLocked(i))
	}
	return out
}
