package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mijahauan/timesnaprecorder/archive"
	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

func testChannelConfig() channel.Config {
	cfg := channel.DefaultConfig("TEST 10 MHz", 10)
	cfg.ExpectedStations = []channel.Station{channel.StationWWV}
	return cfg
}

func mkPacket(seq uint16, rtpTs uint32, n int) rtppkt.Packet {
	return rtppkt.Packet{
		SequenceNumber: seq,
		RTPTimestamp:   rtpTs,
		Samples:        make([]rtppkt.Complex, n),
	}
}

func TestPipelinePublishesExactlyOneSegmentPerMinute(t *testing.T) {
	mem := archive.NewMemoryWriter()
	p := New(Options{
		Channel: testChannelConfig(),
		Archive: mem,
		Log:     zerolog.Nop(),
	})

	spm := p.opts.Channel.SamplesPerMinute() // 600 at sampleRate=10
	const perPacket = 60
	require.Zero(t, spm%perPacket)

	for i := 0; i < spm/perPacket; i++ {
		pkt := mkPacket(uint16(i), uint32(i*perPacket), perPacket)
		p.handlePacket(pkt)
	}

	got, ok, err := mem.ReadSegment(context.Background(), p.opts.Channel.Name.Key(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, spm, len(got.Samples))
	assert.False(t, got.FirstSampleUTC.IsZero())

	select {
	case seg := <-p.segmentCh:
		assert.Equal(t, spm, len(seg.Samples))
	default:
		t.Fatal("expected the finalized segment to also reach the analytics queue")
	}
}

func TestPipelineNeverPublishesPartialSegment(t *testing.T) {
	mem := archive.NewMemoryWriter()
	p := New(Options{
		Channel: testChannelConfig(),
		Archive: mem,
		Log:     zerolog.Nop(),
	})

	// Feed less than one full minute's worth of samples.
	p.handlePacket(mkPacket(0, 0, 60))
	p.handlePacket(mkPacket(1, 60, 60))

	_, ok, err := mem.ReadSegment(context.Background(), p.opts.Channel.Name.Key(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "no segment should be archived before a full minute accumulates")

	assert.True(t, p.segmenter.HasPartialSegment())
	assert.Equal(t, 120, p.segmenter.PartialSampleCount())
}

func TestRunDrainsCleanlyOnShutdownWithoutPublishingPartialSegment(t *testing.T) {
	mem := archive.NewMemoryWriter()
	p := New(Options{
		Channel: testChannelConfig(),
		Archive: mem,
		Log:     zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())

	subscribed := make(chan struct{})
	subscribe := func(onPkt rtppkt.OnPacket) error {
		// Deliver a partial minute, then block until the source is told
		// to stop, mirroring MulticastSource.Run blocking on the socket.
		onPkt(mkPacket(0, 0, 60))
		close(subscribed)
		<-ctx.Done()
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, subscribe) }()

	<-subscribed
	// Give the ingest goroutine a moment to drain the packet off packetCh
	// before triggering shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	_, ok, err := mem.ReadSegment(context.Background(), p.opts.Channel.Name.Key(), 0)
	require.NoError(t, err)
	assert.False(t, ok, "partial segment must never be archived at shutdown")
}

func TestRecordDroppedDeltaAccumulatesAcrossCalls(t *testing.T) {
	p := New(Options{
		Channel: testChannelConfig(),
		Log:     zerolog.Nop(),
	})

	// Two pushes of the same sequence number: the second is a duplicate
	// the resequencer drops internally.
	p.handlePacket(mkPacket(0, 0, 60))
	p.handlePacket(mkPacket(0, 0, 60))

	assert.Equal(t, 1, p.resequencer.DroppedDup())
	// recordDroppedDelta is called on every handlePacket; the second call
	// should have folded the one new drop in without double-counting.
	p.recordDroppedDelta()
	assert.Equal(t, 1, p.lastDroppedDup)
}
