package window

import (
	"sync"
	"testing"
	"time"

	"github.com/coreswitch/relxfer/segment"
)

func testSegment(seq int) segment.Segment {
	return segment.Segment{
		SequenceNumber: seq,
		Data:           []byte("x"),
		TotalSegments:  100,
		MessageID:      "1-deadbeef",
	}
}

func TestWindowInvariant(t *testing.T) {
	w, err := New(4, 50*time.Millisecond)
	if err != nil {
		t.Fatal("New:", err)
	}
	defer w.Close()

	for i := 0; i < 4; i++ {
		if !w.CanSend() {
			t.Fatalf("expected CanSend at i=%d", i)
		}
		if _, ok := w.AddSegment(testSegment(i)); !ok {
			t.Fatalf("AddSegment failed at i=%d", i)
		}
	}
	if w.CanSend() {
		t.Fatal("window should be full")
	}

	w.HandleAck(1)
	if !w.CanSend() {
		t.Fatal("expected room after ack")
	}
}

func TestWindowAckMonotonic(t *testing.T) {
	w, err := New(4, 50*time.Millisecond)
	if err != nil {
		t.Fatal("New:", err)
	}
	defer w.Close()

	for i := 0; i < 4; i++ {
		w.AddSegment(testSegment(i))
	}

	w.HandleAck(2)
	if w.IsEmpty() {
		t.Fatal("window should not be empty yet")
	}
	w.segMu.Lock()
	base := w.base
	w.segMu.Unlock()
	if base != 3 {
		t.Fatalf("base = %d, want 3", base)
	}

	// A stale ACK below the current base must never move it backwards.
	w.HandleAck(0)
	w.HandleAck(1)
	w.segMu.Lock()
	base = w.base
	w.segMu.Unlock()
	if base != 3 {
		t.Fatalf("base regressed to %d after spurious acks", base)
	}
}

func TestWindowSpuriousAckIgnored(t *testing.T) {
	w, err := New(2, 50*time.Millisecond)
	if err != nil {
		t.Fatal("New:", err)
	}
	defer w.Close()

	w.AddSegment(testSegment(0))
	w.AddSegment(testSegment(1))
	// Out of [base, nextSeq) = [0,2): both too low and too high are no-ops,
	// and HandleAck reports this to the caller via its bool return.
	if w.HandleAck(-1) {
		t.Fatal("expected HandleAck(-1) to report spurious")
	}
	if w.HandleAck(5) {
		t.Fatal("expected HandleAck(5) to report spurious")
	}
	if w.IsEmpty() {
		t.Fatal("spurious ACKs should not have emptied the window")
	}
	if !w.HandleAck(1) {
		t.Fatal("expected HandleAck(1) to report applied")
	}
	if !w.IsEmpty() {
		t.Fatal("expected window to empty after a valid cumulative ack")
	}
}

func TestWindowRetransmitsOverdueSegments(t *testing.T) {
	w, err := New(2, 20*time.Millisecond)
	if err != nil {
		t.Fatal("New:", err)
	}
	defer w.Close()

	var mu sync.Mutex
	var retransmitted []int
	done := make(chan struct{}, 1)
	w.SetRetransmissionCallback(func(segs []WindowSegment) {
		mu.Lock()
		for _, s := range segs {
			retransmitted = append(retransmitted, s.SequenceNumber)
		}
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	w.AddSegment(testSegment(0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retransmission callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(retransmitted) == 0 || retransmitted[0] != 0 {
		t.Fatalf("expected segment 0 to be retransmitted, got %v", retransmitted)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(0, time.Second); err == nil {
		t.Fatal("expected error for zero window size")
	}
	if _, err := New(1, 0); err == nil {
		t.Fatal("expected error for zero timeout")
	}
}
