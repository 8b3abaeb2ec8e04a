// Package receiver implements the server-side segment store: per-message
// contiguous-sequence tracking and duplicate suppression, kept per
// connection the way spec.md 4.6 describes.
package receiver

import (
	"sync"

	"github.com/coreswitch/relxfer/segment"
)

// Outcome reports what Observe did with an incoming segment.
type Outcome int

const (
	// Stored means the segment was new and has been recorded; AckSeq is
	// the new highest contiguous sequence to acknowledge.
	Stored Outcome = iota
	// DuplicateInProgress means the segment's sequence number was already
	// seen for a message that has not yet completed.
	DuplicateInProgress
	// DuplicateCompleted means the segment belongs to a message that has
	// already been fully delivered.
	DuplicateCompleted
)

// Result is the outcome of observing one incoming segment.
type Result struct {
	Outcome Outcome
	// AckSeq is the cumulative sequence number to acknowledge.
	AckSeq int
	// Complete is true iff this segment completed its message; Segments
	// then holds every segment of that message, ready for reassembly.
	// The store has already forgotten its own copy by the time this is
	// returned, per spec.md 4.6's "frees the per-message map" lifecycle.
	Complete bool
	Segments []segment.Segment
	MessageID string
}

// Store tracks received segments for one connection, across all the
// messages sent on it.
type Store struct {
	mu sync.Mutex

	history           map[string]map[int]struct{}
	received          map[string]map[int]segment.Segment
	highestContiguous map[string]int
	completed         map[string]struct{}
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		history:           make(map[string]map[int]struct{}),
		received:          make(map[string]map[int]segment.Segment),
		highestContiguous: make(map[string]int),
		completed:         make(map[string]struct{}),
	}
}

// Observe records seg, or recognizes it as a duplicate, and reports the ACK
// the caller should send. It is the server engine's sole integration point
// with the store -- every mutation happens under the store's one mutex, per
// spec.md 4.6.
func (s *Store) Observe(seg segment.Segment) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := seg.MessageID

	if _, done := s.completed[id]; done {
		return Result{
			Outcome: DuplicateCompleted,
			AckSeq:  seg.TotalSegments - 1,
		}
	}

	if s.history[id] == nil {
		s.history[id] = make(map[int]struct{})
	}
	if _, seen := s.history[id][seg.SequenceNumber]; seen {
		return Result{
			Outcome: DuplicateInProgress,
			AckSeq:  s.highestContiguous[id],
		}
	}
	s.history[id][seg.SequenceNumber] = struct{}{}

	if s.received[id] == nil {
		s.received[id] = make(map[int]segment.Segment)
		s.highestContiguous[id] = -1
	}
	s.received[id][seg.SequenceNumber] = seg

	current := s.highestContiguous[id]
	for {
		if _, ok := s.received[id][current+1]; !ok {
			break
		}
		current++
	}
	s.highestContiguous[id] = current

	result := Result{
		Outcome: Stored,
		AckSeq:  current,
	}

	if current == seg.TotalSegments-1 {
		all := make([]segment.Segment, 0, len(s.received[id]))
		for _, stored := range s.received[id] {
			all = append(all, stored)
		}
		result.Complete = true
		result.Segments = all
		result.MessageID = id

		s.completed[id] = struct{}{}
		delete(s.received, id)
		delete(s.highestContiguous, id)
		delete(s.history, id)
	}

	return result
}
