// Package rtppkt defines the immutable packet and 32-bit RTP timestamp
// arithmetic used across the recording pipeline.
package rtppkt

import (
	"time"
)

// Complex is a single baseband I/Q sample. float32 matches the precision
// of the 16-bit ADC samples the upstream SDR emits; no need for float64
// until DSP stages accumulate across a whole minute.
type Complex = complex64

// Packet is an immutable record of one received RTP datagram already
// decoded to baseband samples. The wire decode (payload -> []Complex)
// happens in the packet source adapter, not here.
type Packet struct {
	SequenceNumber uint16
	// RTPTimestamp ticks at the channel sample rate. It is intentionally
	// a plain uint32: all arithmetic on it must go through Diff32/Before32
	// below rather than native comparison, to stay correct across the
	// wraparound every ~74 hours at 16 kHz.
	RTPTimestamp uint32
	Marker       bool
	SSRC         uint32
	Samples      []Complex

	// CaptureWallClock is an optional transport-layer estimate of when
	// this packet was captured. It is recorded for diagnostics only; it
	// must never be used to derive sample time.
	CaptureWallClock time.Time
	HasWallClock      bool
}

// Diff32 returns ts1-ts2 as a signed 32-bit difference, the only safe way
// to compare RTP timestamps across a wraparound.
func Diff32(ts1, ts2 uint32) int32 {
	return int32(ts1 - ts2)
}

// Before32 reports whether ts1 precedes ts2 under wraparound-aware
// signed-difference comparison.
func Before32(ts1, ts2 uint32) bool {
	return Diff32(ts1, ts2) < 0
}

// Add32 advances an RTP timestamp by n samples, wrapping at 2^32.
func Add32(ts uint32, n uint32) uint32 {
	return ts + n
}
