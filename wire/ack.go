package wire

import (
	"errors"
	"strconv"
)

// ErrMalformedAck is returned by ParseAck when the ACK string is not of the
// form "M<non-negative integer>".
var ErrMalformedAck = errors.New("wire: malformed ACK string")

// FormatAck renders a cumulative sequence number the way the server emits
// it on the wire: "M<n>".
func FormatAck(seq int) string {
	return "M" + strconv.Itoa(seq)
}

// ParseAck parses a "M<n>" acknowledgment string into its sequence number.
// Unlike the reference implementation's int(ack.replace('M', '')), which
// silently accepts any string once its 'M' characters are stripped, ParseAck
// requires a leading 'M' followed by a non-negative decimal integer and
// returns ErrMalformedAck for anything else -- resolving spec.md's open
// question about the robustness of that contract explicitly.
func ParseAck(ack string) (int, error) {
	if len(ack) < 2 || ack[0] != 'M' {
		return 0, ErrMalformedAck
	}
	digits := ack[1:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, ErrMalformedAck
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, ErrMalformedAck
	}
	return n, nil
}
