// Package window implements the sender-side sliding window: admission of
// outbound segments, cumulative-ACK bookkeeping, window advancement and
// timer-driven retransmission. It mirrors [soypat/lneto/tcp]'s send-sequence
// space bookkeeping, but -- per spec.md's explicit non-goals -- tracks only
// what's needed for ordered, reliable delivery of one message at a time: no
// congestion control, no advertised receive window.
package window

import (
	"fmt"
	"sync"
	"time"

	"github.com/coreswitch/relxfer/segment"
)

// WindowSegment is an in-flight record: the admitted segment plus enough
// bookkeeping to decide whether and when to retransmit it.
type WindowSegment struct {
	SequenceNumber int
	Data           []byte
	SentTime       time.Time
	Original       segment.Segment
	Acked          bool
}

// RetransmissionFunc is invoked with every segment the timer judged overdue.
// It is the window's only way of touching the network -- the window itself
// is transport-agnostic, per spec.md 4.2.
type RetransmissionFunc func([]WindowSegment)

// SlidingWindow bookkeeps the segments admitted for one message's
// transmission. A SlidingWindow is meant to be used for exactly one message:
// callers construct a fresh one per message so each starts with base=0.
type SlidingWindow struct {
	windowSize int
	timeout    time.Duration

	timerMu sync.Mutex
	timer   *time.Timer
	active  bool

	segMu    sync.Mutex
	base     int
	nextSeq  int
	segments map[int]*WindowSegment

	callback RetransmissionFunc
}

// New constructs a SlidingWindow. windowSize and timeout must both be
// positive.
func New(windowSize int, timeout time.Duration) (*SlidingWindow, error) {
	if windowSize <= 0 {
		return nil, ErrWindowSizeNotPositive
	}
	if timeout <= 0 {
		return nil, ErrTimeoutNotPositive
	}
	return &SlidingWindow{
		windowSize: windowSize,
		timeout:    timeout,
		segments:   make(map[int]*WindowSegment),
		active:     true,
	}, nil
}

// SetRetransmissionCallback installs the function invoked when the
// retransmission timer judges segments overdue.
func (w *SlidingWindow) SetRetransmissionCallback(fn RetransmissionFunc) {
	w.callback = fn
}

// String renders the window's current slot occupancy, e.g. for logging --
// ported from the reference implementation's __str__.
func (w *SlidingWindow) String() string {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	s := fmt.Sprintf("Window[%d:%d] -", w.base, w.base+w.windowSize)
	for seq := w.base; seq < w.base+w.windowSize; seq++ {
		seg, ok := w.segments[seq]
		switch {
		case !ok:
			s += fmt.Sprintf(" SEQ%d(EMPTY)", seq)
		case seg.Acked:
			s += fmt.Sprintf(" SEQ%d(ACK)", seq)
		default:
			s += fmt.Sprintf(" SEQ%d(UNACK)", seq)
		}
	}
	return s
}

// CanSend reports whether the window has room to admit another segment.
func (w *SlidingWindow) CanSend() bool {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	return w.nextSeq < w.base+w.windowSize
}

// AddSegment admits seg into the window under the window-local sequence
// number next_seq, starting the retransmission timer if this is the new
// base of the window. It reports false if the window has no room (callers
// should check CanSend first; AddSegment re-checks atomically with
// admission).
func (w *SlidingWindow) AddSegment(seg segment.Segment) (WindowSegment, bool) {
	w.segMu.Lock()
	if w.nextSeq >= w.base+w.windowSize {
		w.segMu.Unlock()
		return WindowSegment{}, false
	}

	ws := &WindowSegment{
		SequenceNumber: w.nextSeq,
		Data:           seg.Data,
		SentTime:       time.Now(),
		Original:       seg,
	}
	w.segments[w.nextSeq] = ws
	isNewBase := w.base == ws.SequenceNumber
	w.nextSeq++
	w.segMu.Unlock()

	if isNewBase {
		w.startTimer()
	}
	return *ws, true
}

// HandleAck processes a cumulative acknowledgment for sequence n: every
// segment in [base, n] is marked acked and removed, and base advances to the
// first still-unacked sequence. ACKs outside [base, next_seq) are spurious
// and silently ignored, matching property 9 of spec.md 8 (idempotent ACK).
// HandleAck reports whether n fell inside [base, next_seq) and was applied;
// callers use this to distinguish a real ACK from a spurious one.
func (w *SlidingWindow) HandleAck(n int) bool {
	w.segMu.Lock()
	if n < w.base || n >= w.nextSeq {
		w.segMu.Unlock()
		return false
	}

	for seq := w.base; seq <= n; seq++ {
		if ws, ok := w.segments[seq]; ok {
			ws.Acked = true
		}
	}

	oldBase := w.base
	for w.base <= n {
		ws, ok := w.segments[w.base]
		if !ok || !ws.Acked {
			break
		}
		delete(w.segments, w.base)
		w.base++
	}
	moved := w.base > oldBase
	stillInFlight := w.base < w.nextSeq
	w.segMu.Unlock()

	if moved {
		w.stopTimer()
		if stillInFlight {
			w.startTimer()
		}
	}
	return true
}

// IsEmpty reports whether every admitted segment has been acknowledged and
// removed.
func (w *SlidingWindow) IsEmpty() bool {
	w.segMu.Lock()
	defer w.segMu.Unlock()
	return len(w.segments) == 0
}

// Close cancels the retransmission timer and discards in-flight state. After
// Close, the window no longer retransmits.
func (w *SlidingWindow) Close() {
	w.timerMu.Lock()
	w.active = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerMu.Unlock()

	w.segMu.Lock()
	w.segments = make(map[int]*WindowSegment)
	w.segMu.Unlock()
}

// startTimer arms the retransmission timer if it is not already running.
// timerMu and segMu are never held simultaneously anywhere in this package;
// every method releases one before acquiring the other, so there is no
// ordering to get wrong between them.
func (w *SlidingWindow) startTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if !w.active || w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.timeout, w.onTimeout)
}

func (w *SlidingWindow) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// onTimeout runs on the Go runtime's timer goroutine. It must be re-entrant
// safe with AddSegment and HandleAck, which it achieves by taking segMu for
// its snapshot-and-update pass just like they do.
func (w *SlidingWindow) onTimeout() {
	w.timerMu.Lock()
	active := w.active
	w.timer = nil
	w.timerMu.Unlock()
	if !active {
		return
	}

	now := time.Now()
	var overdue []WindowSegment
	w.segMu.Lock()
	end := w.base + w.windowSize
	if end > w.nextSeq {
		end = w.nextSeq
	}
	for seq := w.base; seq < end; seq++ {
		ws, ok := w.segments[seq]
		if !ok || ws.Acked {
			continue
		}
		if now.Sub(ws.SentTime) >= w.timeout {
			ws.SentTime = now
			overdue = append(overdue, *ws)
		}
	}
	anyUnacked := false
	for _, ws := range w.segments {
		if !ws.Acked {
			anyUnacked = true
			break
		}
	}
	w.segMu.Unlock()

	if w.callback != nil && len(overdue) > 0 {
		func() {
			defer func() { recover() }() // no exception from the callback may kill the timer goroutine
			w.callback(overdue)
		}()
	}

	if anyUnacked {
		w.startTimer()
	}
}
