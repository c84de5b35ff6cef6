package segment

import (
	"testing"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/resequencer"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() channel.Config {
	cfg := channel.DefaultConfig("WWV 10 MHz", 20000)
	cfg.ExpectedStations = []channel.Station{channel.StationWWV}
	return cfg
}

func mkPacket(ts uint32, n int) rtppkt.Packet {
	samples := make([]rtppkt.Complex, n)
	for i := range samples {
		samples[i] = complex(float32(1), float32(0))
	}
	return rtppkt.Packet{RTPTimestamp: ts, Samples: samples}
}

func TestCleanMinuteProducesExactLength(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)

	perPkt := 400
	total := cfg.SamplesPerMinute()
	var segs []Segment
	for ts := 0; ts < total; ts += perPkt {
		segs = append(segs, s.HandlePacket(mkPacket(uint32(ts), perPkt))...)
	}

	require.Len(t, segs, 1)
	assert.Len(t, segs[0].Samples, cfg.SamplesPerMinute())
	assert.Empty(t, segs[0].Gaps)
	assert.Equal(t, uint32(0), segs[0].FirstSampleRTP)
}

func TestPacketStraddlesMinuteBoundarySplits(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	total := cfg.SamplesPerMinute()

	// feed up to total-100 with one big packet, then a packet of 200
	// samples that straddles the boundary.
	segs := s.HandlePacket(mkPacket(0, total-100))
	assert.Empty(t, segs)

	segs = s.HandlePacket(mkPacket(uint32(total-100), 200))
	require.Len(t, segs, 1)
	assert.Len(t, segs[0].Samples, total)

	// Remainder (100 samples) should now be in the new segment.
	assert.Equal(t, 100, s.PartialSampleCount())
}

func TestGapFillAdvancesAndRecords(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	total := cfg.SamplesPerMinute()

	segs := s.HandlePacket(mkPacket(0, 20*cfg.SampleRate))
	assert.Empty(t, segs)

	gap := resequencer.Gap{
		RTPTSBefore: uint32(20 * cfg.SampleRate),
		RTPTSAfter:  uint32(21 * cfg.SampleRate),
		SamplesLost: uint32(cfg.SampleRate),
		Reason:      resequencer.ReasonNetworkLoss,
	}
	segs = s.HandleGap(gap)
	assert.Empty(t, segs)

	remaining := total - 21*cfg.SampleRate
	segs = s.HandlePacket(mkPacket(uint32(21*cfg.SampleRate), remaining))
	require.Len(t, segs, 1)

	seg := segs[0]
	require.Len(t, seg.Gaps, 1)
	assert.Equal(t, uint64(20*cfg.SampleRate), seg.Gaps[0].SampleIndex)
	assert.Equal(t, uint64(cfg.SampleRate), seg.Gaps[0].SamplesFilled)
	assert.Equal(t, ReasonNetworkLoss, seg.Gaps[0].Reason)

	// P3: sum(gap.samples_filled) + non_filled_sample_count == sample_rate*60
	assert.Equal(t, uint64(total), seg.NonFilledSampleCount()+uint64(cfg.SampleRate))
}

func TestStreamLossAcrossMinuteBoundaryProducesFullyZeroFilledSegments(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	total := cfg.SamplesPerMinute()

	s.startSegment(0)
	gap := resequencer.Gap{
		RTPTSBefore: 0,
		RTPTSAfter:  uint32(90 * cfg.SampleRate),
		SamplesLost: uint32(90 * cfg.SampleRate),
		Reason:      resequencer.ReasonSourceUnavailable,
	}
	segs := s.HandleGap(gap)
	require.Len(t, segs, 1)
	assert.True(t, segs[0].FullyZeroFilled)
	assert.Equal(t, total, len(segs[0].Samples))

	// 30s remain buffered in the new (second) segment, not yet finalized.
	assert.Equal(t, 30*cfg.SampleRate, s.PartialSampleCount())
}

func TestFinalizePanicsOnOverflow(t *testing.T) {
	cfg := testConfig()
	s := New(cfg)
	total := cfg.SamplesPerMinute()

	// Simulate the upstream accounting bug the invariant guards against:
	// segment_rtp_count already at capacity but appendChunk called again
	// without having finalized in between.
	s.haveFirst = true
	s.pos = total

	assert.Panics(t, func() {
		s.appendChunk(1, mkPacket(0, 1).Samples, nil)
	})
}
