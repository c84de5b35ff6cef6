package archive

import (
	"context"
	"testing"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/mijahauan/timesnaprecorder/segment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripBitForBit(t *testing.T) {
	w := NewMemoryWriter()
	ctx := context.Background()

	seg := segment.Segment{
		Channel:        channel.NewName("WWV 10 MHz"),
		FirstSampleRTP: 12345,
		SampleRate:     20000,
		Samples:        []rtppkt.Complex{1, 2, 3, complex(0.5, -0.5)},
		Gaps: []segment.GapRecord{
			{SampleIndex: 10, SamplesFilled: 5, Reason: segment.ReasonNetworkLoss},
		},
	}

	require.NoError(t, w.WriteSegment(ctx, seg))

	got, ok, err := w.ReadSegment(ctx, "wwv10mhz", 12345)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, seg.Samples, got.Samples)
	assert.Equal(t, seg.Gaps, got.Gaps)
	assert.Equal(t, seg.FirstSampleRTP, got.FirstSampleRTP)
	assert.Equal(t, seg.Channel, got.Channel)

	// Mutating the original after the write must not affect the stored copy.
	seg.Samples[0] = 999
	got2, _, _ := w.ReadSegment(ctx, "wwv10mhz", 12345)
	assert.NotEqual(t, complex64(999), got2.Samples[0])
}

func TestReadMissingSegment(t *testing.T) {
	w := NewMemoryWriter()
	_, ok, err := w.ReadSegment(context.Background(), "nope", 1)
	assert.NoError(t, err)
	assert.False(t, ok)
}
