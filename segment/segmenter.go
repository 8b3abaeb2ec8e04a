package segment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"unicode/utf8"

	"github.com/coreswitch/relxfer/wire"
)

// sampleMetadata is the worst-case-width metadata object used to measure the
// fixed overhead of the wire envelope: every numeric field pinned to its
// widest practical value, every string field at its maximum length. This
// mirrors the reference implementation's approach of serializing a sample
// packet with an empty data string and taking its length, rather than
// summing field widths by hand (which drifts from the real JSON encoder's
// quoting and separator bytes).
var sampleMetadata = wire.SegmentMetadata{
	Seq:            999999,
	Checksum:       "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
	TotalSegments:  999999,
	MessageID:      "999999-ffffffffffffffff",
	IsLast:         true,
	OriginalLength: 999999999,
}

// Segmenter splits UTF-8 messages into bounded Segments and reassembles them.
// A Segmenter is safe for concurrent use: message IDs are assigned from an
// atomic counter, matching a single ClientEngine segmenting many messages in
// sequence over the same connection.
type Segmenter struct {
	maxSegmentSize  int
	metadataOverhead int
	maxDataSize     int
	counter         atomic.Int64
}

// NewSegmenter builds a Segmenter bounding every serialized segment to
// maxSegmentSize bytes, including JSON envelope overhead.
func NewSegmenter(maxSegmentSize int) (*Segmenter, error) {
	if maxSegmentSize <= 0 {
		return nil, ErrSegmentSizeNotPositive
	}
	overhead, err := measureOverhead()
	if err != nil {
		return nil, err
	}
	if maxSegmentSize <= overhead {
		return nil, ErrSegmentSizeTooSmall
	}
	s := &Segmenter{
		maxSegmentSize:   maxSegmentSize,
		metadataOverhead: overhead,
		maxDataSize:      maxSegmentSize - overhead,
	}
	return s, nil
}

func measureOverhead() (int, error) {
	sample := wire.DataFrame{Metadata: sampleMetadata, Data: ""}
	b, err := json.Marshal(sample)
	if err != nil {
		return 0, fmt.Errorf("segment: measuring metadata overhead: %w", err)
	}
	return len(b), nil
}

// MaxDataSize returns the largest payload, in bytes, a single segment may
// carry under this Segmenter's configured maximum segment size.
func (s *Segmenter) MaxDataSize() int { return s.maxDataSize }

// MaxSegmentSize returns the configured ceiling on one serialized segment.
func (s *Segmenter) MaxSegmentSize() int { return s.maxSegmentSize }

func (s *Segmenter) nextMessageID(message string) string {
	counter := s.counter.Add(1)
	h := sha256.Sum256([]byte(strconv.FormatInt(counter, 10) + message))
	return strconv.FormatInt(counter, 10) + "-" + hex.EncodeToString(h[:])[:16]
}

func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Segment splits message into a sequence of Segments, each ending on a UTF-8
// code-point boundary and carrying a shared MessageID.
func (s *Segmenter) Segment(message string) ([]Segment, error) {
	if message == "" {
		return nil, ErrMessageEmpty
	}
	msgBytes := []byte(message)
	total := len(msgBytes)
	if total >= 1<<32 {
		return nil, ErrMessageTooLarge
	}

	messageID := s.nextMessageID(message)
	totalSegments := (total + s.maxDataSize - 1) / s.maxDataSize

	segments := make([]Segment, 0, totalSegments)
	processed := 0
	seq := 0
	for processed < total {
		remaining := msgBytes[processed:]
		target := s.maxDataSize
		if target > len(remaining) {
			target = len(remaining)
		}
		splitAt, err := findSafeSplitPoint(remaining, target)
		if err != nil {
			return nil, err
		}
		data := remaining[:splitAt]
		isLast := processed+splitAt >= total

		segments = append(segments, Segment{
			SequenceNumber: seq,
			Data:           data,
			Checksum:       checksum(data),
			TotalSegments:  totalSegments,
			MessageID:      messageID,
			IsLast:         isLast,
			OriginalLength: total,
		})

		seq++
		processed += splitAt
	}
	// Backing off to a UTF-8 boundary can leave some segments short of
	// maxDataSize, so the split may need more segments than the ceiling
	// division predicted; TotalSegments must match the real count.
	if len(segments) != totalSegments {
		for i := range segments {
			segments[i].TotalSegments = len(segments)
		}
	}
	return segments, nil
}

// findSafeSplitPoint returns the largest prefix length <= len(messageBytes)
// that is at most target bytes and ends on a valid UTF-8 boundary.
func findSafeSplitPoint(messageBytes []byte, target int) (int, error) {
	if target >= len(messageBytes) {
		return len(messageBytes), nil
	}
	if target <= 0 {
		return 0, ErrNoUTF8Boundary
	}

	allASCII := true
	for _, b := range messageBytes[:target] {
		if b > 0x7F {
			allASCII = false
			break
		}
	}
	if allASCII {
		return target, nil
	}

	for pos := target; pos > 0; pos-- {
		if pos < len(messageBytes) && messageBytes[pos]&0xC0 == 0x80 {
			continue // continuation byte, not a boundary
		}
		if utf8.Valid(messageBytes[:pos]) {
			return pos, nil
		}
	}
	return 0, ErrNoUTF8Boundary
}

// Serialize encodes seg as a wire data frame, erroring if the result would
// exceed MaxSegmentSize.
func (s *Segmenter) Serialize(seg Segment) ([]byte, error) {
	frame := wire.DataFrame{
		Metadata: wire.SegmentMetadata{
			Seq:            seg.SequenceNumber,
			Checksum:       seg.Checksum,
			TotalSegments:  seg.TotalSegments,
			MessageID:      seg.MessageID,
			IsLast:         seg.IsLast,
			OriginalLength: seg.OriginalLength,
		},
		Data: string(seg.Data),
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("segment: serializing: %w", err)
	}
	if len(b) > s.maxSegmentSize {
		return nil, ErrSegmentTooLarge
	}
	return b, nil
}

// Deserialize parses a wire data frame and verifies its checksum. It returns
// (Segment{}, false) -- never an error -- for any malformed or
// checksum-mismatched input, matching the "drop silently, let the sender
// retransmit" policy of spec.md 4.1 and 4.4.
func Deserialize(data []byte) (Segment, bool) {
	var shape struct {
		Metadata map[string]json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return Segment{}, false
	}
	for _, key := range [...]string{"seq", "checksum", "total_segments", "message_id", "is_last", "original_length"} {
		if _, ok := shape.Metadata[key]; !ok {
			return Segment{}, false
		}
	}
	var frame wire.DataFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Segment{}, false
	}
	if frame.Metadata.Checksum == "" || frame.Metadata.MessageID == "" {
		return Segment{}, false
	}
	payload := []byte(frame.Data)
	if checksum(payload) != frame.Metadata.Checksum {
		return Segment{}, false
	}
	return Segment{
		SequenceNumber: frame.Metadata.Seq,
		Data:           payload,
		Checksum:       frame.Metadata.Checksum,
		TotalSegments:  frame.Metadata.TotalSegments,
		MessageID:      frame.Metadata.MessageID,
		IsLast:         frame.Metadata.IsLast,
		OriginalLength: frame.Metadata.OriginalLength,
	}, true
}

// Reassemble reconstructs the original message from its Segments, validating
// contiguity, shared metadata, the final IsLast flag and the total length
// along the way; per-segment checksums are checked by Deserialize, not
// here. It returns
// ("", false) on any failure, matching spec.md 4.1's "no message" contract.
func Reassemble(segments []Segment) (string, bool) {
	if len(segments) == 0 {
		return "", false
	}

	sorted := append([]Segment(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SequenceNumber < sorted[j].SequenceNumber
	})

	expected := sorted[0].TotalSegments
	if len(sorted) != expected {
		deduped := sorted[:0:0]
		for i, s := range sorted {
			if i == 0 || sorted[i].SequenceNumber != sorted[i-1].SequenceNumber {
				deduped = append(deduped, s)
			}
		}
		sorted = deduped
	}

	for i, s := range sorted {
		if s.SequenceNumber != i {
			return "", false
		}
	}

	messageID := sorted[0].MessageID
	originalLength := sorted[0].OriginalLength
	for _, s := range sorted {
		if s.MessageID != messageID || s.OriginalLength != originalLength {
			return "", false
		}
	}

	if !sorted[len(sorted)-1].IsLast {
		return "", false
	}

	total := 0
	for _, s := range sorted {
		total += len(s.Data)
	}
	reassembled := make([]byte, 0, total)
	for _, s := range sorted {
		reassembled = append(reassembled, s.Data...)
	}
	if len(reassembled) != originalLength {
		return "", false
	}
	if !utf8.Valid(reassembled) {
		return "", false
	}
	return string(reassembled), true
}
