package resequencer

import (
	"testing"
	"time"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkPkt(seq uint16, ts uint32, n int) rtppkt.Packet {
	return rtppkt.Packet{
		SequenceNumber: seq,
		RTPTimestamp:   ts,
		Samples:        make([]rtppkt.Complex, n),
	}
}

func TestInOrderPassthrough(t *testing.T) {
	r := New(DefaultConfig(20000))
	now := time.Now()

	var allEvents []Event
	for i := uint16(0); i < 5; i++ {
		allEvents = append(allEvents, r.Push(mkPkt(i, uint32(i)*400, 400), now)...)
	}

	require.Len(t, allEvents, 5)
	for i, ev := range allEvents {
		require.NotNil(t, ev.Packet)
		assert.Equal(t, uint16(i), ev.Packet.SequenceNumber)
	}
}

func TestOutOfOrderReorders(t *testing.T) {
	r := New(DefaultConfig(20000))
	now := time.Now()

	order := []uint16{0, 2, 1, 4, 3}
	var allEvents []Event
	for _, seq := range order {
		allEvents = append(allEvents, r.Push(mkPkt(seq, uint32(seq)*400, 400), now)...)
	}
	// Nothing should be stuck past the wait budget for this small test.
	allEvents = append(allEvents, r.Flush(now.Add(200*time.Millisecond))...)

	var seqs []uint16
	gaps := 0
	for _, ev := range allEvents {
		if ev.Packet != nil {
			seqs = append(seqs, ev.Packet.SequenceNumber)
		}
		if ev.Gap != nil {
			gaps++
		}
	}
	assert.Equal(t, []uint16{0, 1, 2, 3, 4}, seqs)
	assert.Equal(t, 0, gaps)
}

func TestGapEmittedAfterWaitBudget(t *testing.T) {
	cfg := DefaultConfig(20000)
	cfg.WaitBudget = 50 * time.Millisecond
	r := New(cfg)
	now := time.Now()

	events := r.Push(mkPkt(0, 0, 400), now)
	require.Len(t, events, 1)

	// seq 1 never arrives; seq 2 arrives after the wait budget elapses.
	events = r.Push(mkPkt(2, 800, 400), now.Add(60*time.Millisecond))

	require.Len(t, events, 2)
	require.NotNil(t, events[0].Gap)
	assert.Equal(t, uint32(400), events[0].Gap.SamplesLost)
	assert.Equal(t, ReasonNetworkLoss, events[0].Gap.Reason)
	require.NotNil(t, events[1].Packet)
	assert.Equal(t, uint16(2), events[1].Packet.SequenceNumber)
}

func TestDuplicateDropped(t *testing.T) {
	r := New(DefaultConfig(20000))
	now := time.Now()

	r.Push(mkPkt(0, 0, 400), now)
	r.Push(mkPkt(1, 400, 400), now)
	events := r.Push(mkPkt(0, 0, 400), now)

	assert.Empty(t, events)
	assert.Equal(t, 1, r.DroppedDup())
}

func TestLateDistinctFromDuplicate(t *testing.T) {
	cfg := DefaultConfig(20000)
	cfg.WaitBudget = 10 * time.Millisecond
	r := New(cfg)
	now := time.Now()

	r.Push(mkPkt(0, 0, 400), now)
	// seq 1 never arrives; seq 2 arrives after the wait budget, confirming
	// a gap and emitting seq 1's slot as lost.
	r.Push(mkPkt(2, 800, 400), now.Add(20*time.Millisecond))

	// seq 1 finally shows up: it was never buffered or emitted, so this
	// is a late distinct packet, not a duplicate.
	events := r.Push(mkPkt(1, 400, 400), now.Add(30*time.Millisecond))
	assert.Empty(t, events)
	assert.Equal(t, 1, r.DroppedLate())
	assert.Equal(t, 0, r.DroppedDup())

	// seq 2 shows up again: it was already emitted, so this is a genuine
	// duplicate, not a late arrival.
	events = r.Push(mkPkt(2, 800, 400), now.Add(31*time.Millisecond))
	assert.Empty(t, events)
	assert.Equal(t, 1, r.DroppedLate())
	assert.Equal(t, 1, r.DroppedDup())
}

func TestSourceRestartDetected(t *testing.T) {
	r := New(DefaultConfig(20000))
	now := time.Now()
	r.Push(mkPkt(0, 0, 400), now)

	gap := r.CheckSourceRestart(mkPkt(1, 1_000_000, 400), 400)
	require.NotNil(t, gap)
	assert.Equal(t, ReasonSourceUnavailable, gap.Reason)
	assert.Equal(t, uint32(1_000_000-400), gap.SamplesLost)
}
