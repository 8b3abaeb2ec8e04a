package receiver

import (
	"testing"

	"github.com/coreswitch/relxfer/segment"
)

func seg(seq, total int, isLast bool) segment.Segment {
	return segment.Segment{
		SequenceNumber: seq,
		Data:           []byte{byte('a' + seq)},
		TotalSegments:  total,
		MessageID:      "1-cafebabe",
		IsLast:         isLast,
		OriginalLength: total,
	}
}

func TestStoreDeliversOnce(t *testing.T) {
	s := NewStore()

	for i := 0; i < 3; i++ {
		result := s.Observe(seg(i, 3, i == 2))
		if i < 2 {
			if result.Outcome != Stored || result.Complete {
				t.Fatalf("segment %d: unexpected result %+v", i, result)
			}
		} else {
			if !result.Complete {
				t.Fatal("expected completion on final segment")
			}
			if len(result.Segments) != 3 {
				t.Fatalf("expected 3 collected segments, got %d", len(result.Segments))
			}
		}
	}

	// Re-delivering any segment of a completed message must never
	// trigger a second completion.
	result := s.Observe(seg(0, 3, false))
	if result.Outcome != DuplicateCompleted {
		t.Fatalf("expected DuplicateCompleted, got %v", result.Outcome)
	}
	if result.Complete {
		t.Fatal("a duplicate of a completed message must not complete again")
	}
}

func TestStoreDuplicateInProgress(t *testing.T) {
	s := NewStore()
	s.Observe(seg(0, 3, false))
	result := s.Observe(seg(0, 3, false))
	if result.Outcome != DuplicateInProgress {
		t.Fatalf("expected DuplicateInProgress, got %v", result.Outcome)
	}
	if result.AckSeq != 0 {
		t.Fatalf("expected ack of current highest contiguous (0), got %d", result.AckSeq)
	}
}

func TestStoreAckTracksHighestContiguous(t *testing.T) {
	s := NewStore()
	// Arrive out of order: 1 before 0.
	result := s.Observe(seg(1, 3, false))
	if result.AckSeq != -1 {
		t.Fatalf("expected ack -1 before segment 0 arrives, got %d", result.AckSeq)
	}
	result = s.Observe(seg(0, 3, false))
	if result.AckSeq != 1 {
		t.Fatalf("expected ack to jump to 1 once the gap fills, got %d", result.AckSeq)
	}
}

func TestStoreFreesStateAfterCompletion(t *testing.T) {
	s := NewStore()
	s.Observe(seg(0, 1, true))

	s.mu.Lock()
	_, stillTracked := s.received["1-cafebabe"]
	s.mu.Unlock()
	if stillTracked {
		t.Fatal("expected per-message state to be freed after completion")
	}
}
