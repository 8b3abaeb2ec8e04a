package simulator

import "time"

// Conditions is the fault model a Proxy applies, an immutable value passed
// at construction rather than a process-wide mutable singleton (spec.md 9).
type Conditions struct {
	// PacketLossRate drops data frames with this probability, in [0,1].
	PacketLossRate float64
	// AckLossRate drops ACK frames with this probability, in [0,1].
	AckLossRate float64
	// DuplicationRate duplicates data frames with this probability; the
	// duplicate is delayed an extra 50ms.
	DuplicationRate float64
	// ReorderingRate applies ReorderingDelay to a data frame with this
	// probability.
	ReorderingRate float64
	// MinDelay and MaxDelay bound the base delay sampled uniformly for
	// every forwarded ACK and data frame; handshake frames are forwarded
	// without delay.
	MinDelay, MaxDelay time.Duration
	// ReorderingDelay is the extra delay applied when a frame is chosen
	// for reordering. Defaults to 500ms if zero.
	ReorderingDelay time.Duration
}

const defaultReorderingDelay = 500 * time.Millisecond

const duplicateExtraDelay = 50 * time.Millisecond

func (c Conditions) reorderingDelay() time.Duration {
	if c.ReorderingDelay > 0 {
		return c.ReorderingDelay
	}
	return defaultReorderingDelay
}

// Passthrough is the zero-fault Conditions value: every frame is forwarded
// immediately, unmodified.
var Passthrough = Conditions{}
