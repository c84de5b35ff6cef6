// Package segment builds minute-aligned segments under a GPS-disciplined
// RTP timestamp model, with zero-fill gap repair.
package segment

import (
	"time"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// GapReason names why a run of samples was zero-filled.
type GapReason string

const (
	ReasonOutOfOrderDrop    GapReason = "out_of_order_drop"
	ReasonNetworkLoss       GapReason = "network_loss"
	ReasonSourceUnavailable GapReason = "source_unavailable"
	ReasonRecorderOffline   GapReason = "recorder_offline"
)

// GapRecord documents a run of zero-filled samples within a Segment.
type GapRecord struct {
	SampleIndex   uint64
	SamplesFilled uint64
	PacketsLost   int
	RTPTSBefore   uint32
	RTPTSAfter    uint32
	Reason        GapReason
}

// Segment is a minute-aligned run of exactly sample_rate*60 complex
// samples, published exactly once to the Archive Writer.
type Segment struct {
	Channel channel.Name

	FirstSampleRTP uint32
	// FirstSampleUTC is derived purely from (TimeSnap, FirstSampleRTP);
	// it is populated by the caller after the Segmenter returns the
	// segment, via timesnap.Manager.UTCAt,
	// never read from the wall clock.
	FirstSampleUTC time.Time

	SampleRate int
	Samples    []rtppkt.Complex
	Gaps       []GapRecord

	// FullyZeroFilled is true iff every sample in this Segment came from
	// a gap (e.g. a stream-loss scenario spanning the whole minute).
	FullyZeroFilled bool
}

// NonFilledSampleCount returns sample_rate*60 minus the total filled by
// gaps.
func (s *Segment) NonFilledSampleCount() uint64 {
	var filled uint64
	for _, g := range s.Gaps {
		filled += g.SamplesFilled
	}
	return uint64(len(s.Samples)) - filled
}
