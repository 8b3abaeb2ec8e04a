// Package segment splits application messages into bounded, self-describing
// segments and reassembles them, the way [soypat/lneto/tcp] splits a send
// buffer into packets bounded by MTU -- except here the unit carries its own
// integrity digest and sequence metadata instead of relying on a shared
// control block.
package segment

// Segment is a single bounded chunk of one message, carrying enough
// metadata to be reassembled and verified independently of transmission
// order.
type Segment struct {
	SequenceNumber int
	Data           []byte
	Checksum       string
	TotalSegments  int
	MessageID      string
	IsLast         bool
	OriginalLength int
}
