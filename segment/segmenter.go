package segment

import (
	"fmt"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/resequencer"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// Segmenter accumulates sample-count-exact minute segments aligned to
// UTC minute boundaries inferred purely from RTP timestamp progression.
// One Segmenter belongs to one channel's ingest goroutine and must never
// be called concurrently; it has no lock of its own.
type Segmenter struct {
	channelName      channel.Name
	sampleRate       int
	samplesPerMinute int

	buf       []rtppkt.Complex
	pos       int // next write offset in buf; also current segment's RTP tick count
	firstRTP  uint32
	haveFirst bool
	gaps      []GapRecord
	zeroFilled uint64
}

func New(cfg channel.Config) *Segmenter {
	spm := cfg.SamplesPerMinute()
	return &Segmenter{
		channelName:      cfg.Name,
		sampleRate:       cfg.SampleRate,
		samplesPerMinute: spm,
		buf:              make([]rtppkt.Complex, spm),
	}
}

// HandlePacket feeds one ordered, gap-free packet's samples into the
// segmenter, returning zero or more finalized Segments (more than one
// only if a single packet's samples somehow straddled more than one
// minute boundary, which cannot happen for real packet sizes but is
// handled generically in appendChunk for symmetry with HandleGap).
func (s *Segmenter) HandlePacket(pkt rtppkt.Packet) []Segment {
	if !s.haveFirst {
		s.startSegment(pkt.RTPTimestamp)
	}
	return s.appendChunk(len(pkt.Samples), pkt.Samples, nil)
}

// HandleGap zero-fills a confirmed loss, advancing segment_rtp_count by
// the same amount and recording a GapRecord.
// A gap may span more than one minute boundary (seed scenario 4: 90s of
// stream loss), in which case multiple fully zero-filled Segments are
// finalized.
func (s *Segmenter) HandleGap(gap resequencer.Gap) []Segment {
	if !s.haveFirst {
		s.startSegment(gap.RTPTSBefore)
	}
	n := int(gap.SamplesLost)
	reason := mapReason(gap.Reason)
	return s.appendChunk(n, nil, &gapMeta{packetsLost: gap.PacketsLost, reason: reason})
}

type gapMeta struct {
	packetsLost int
	reason      GapReason
}

func mapReason(r resequencer.GapReason) GapReason {
	switch r {
	case resequencer.ReasonOutOfOrderDrop:
		return ReasonOutOfOrderDrop
	case resequencer.ReasonNetworkLoss:
		return ReasonNetworkLoss
	case resequencer.ReasonSourceUnavailable:
		return ReasonSourceUnavailable
	case resequencer.ReasonRecorderOffline:
		return ReasonRecorderOffline
	default:
		return ReasonNetworkLoss
	}
}

func (s *Segmenter) startSegment(rtpTs uint32) {
	s.firstRTP = rtpTs
	s.haveFirst = true
	s.pos = 0
	s.gaps = nil
	s.zeroFilled = 0
}

// appendChunk writes n samples (real, from data, or zero-filled when
// data is nil and meta is set) into the current segment, splitting
// across minute boundaries as needed and finalizing every segment that
// fills (invariant I1). Real samples are copied directly; gap-filled
// samples rely on buf's zero-initialized backing array (I5: zero-filled
// samples carry the same monotonic sample index as real ones).
func (s *Segmenter) appendChunk(n int, data []rtppkt.Complex, meta *gapMeta) []Segment {
	var out []Segment
	offset := 0

	for offset < n {
		remaining := s.samplesPerMinute - s.pos
		if remaining <= 0 {
			panic(fmt.Sprintf("segment: segment_rtp_count exceeded samples_per_minute for channel %s: this is an upstream accounting bug", s.channelName))
		}

		take := n - offset
		if take > remaining {
			take = remaining
		}

		if data != nil {
			copy(s.buf[s.pos:s.pos+take], data[offset:offset+take])
		} else if meta != nil {
			s.gaps = append(s.gaps, GapRecord{
				SampleIndex:   uint64(s.pos),
				SamplesFilled: uint64(take),
				PacketsLost:   meta.packetsLost,
				RTPTSBefore:   s.firstRTP + uint32(s.pos),
				RTPTSAfter:    s.firstRTP + uint32(s.pos+take),
				Reason:        meta.reason,
			})
			s.zeroFilled += uint64(take)
		}

		s.pos += take
		offset += take

		if s.pos == s.samplesPerMinute {
			out = append(out, s.finalizeAndReset())
		}
	}

	return out
}

func (s *Segmenter) finalizeAndReset() Segment {
	if s.pos != s.samplesPerMinute {
		panic(fmt.Sprintf("segment: finalize called with incomplete segment (%d/%d) for channel %s", s.pos, s.samplesPerMinute, s.channelName))
	}

	samples := make([]rtppkt.Complex, s.samplesPerMinute)
	copy(samples, s.buf)

	seg := Segment{
		Channel:         s.channelName,
		FirstSampleRTP:  s.firstRTP,
		SampleRate:      s.sampleRate,
		Samples:         samples,
		Gaps:            s.gaps,
		FullyZeroFilled: s.zeroFilled == uint64(s.samplesPerMinute),
	}

	nextRTP := s.firstRTP + uint32(s.samplesPerMinute)
	s.startSegment(nextRTP)
	// Clear the reused backing buffer so the next segment doesn't start
	// with stale samples where gaps leave it untouched.
	for i := range s.buf {
		s.buf[i] = 0
	}

	return seg
}

// HasPartialSegment is used only at shutdown: it never publishes
// an incomplete segment, but returns whether one is in flight so the
// caller can log it was discarded cleanly.
func (s *Segmenter) HasPartialSegment() bool {
	return s.haveFirst && s.pos > 0 && s.pos < s.samplesPerMinute
}

func (s *Segmenter) PartialSampleCount() int {
	return s.pos
}
