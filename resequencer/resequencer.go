// Package resequencer reorders RTP packets within a bounded per-SSRC
// window and emits GapRecords for confirmed losses. It builds on the
// extended-sequence-number bookkeeping of RFC 1889 appendix A.2 and the
// out-of-order detection in media/rtp_packet_reader.go, generalized from
// a single corrective reader into a small reorder buffer that actually
// holds packets instead of just counting them.
package resequencer

import (
	"container/heap"
	"errors"
	"time"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

var (
	ErrDuplicate = errors.New("resequencer: duplicate sequence number")
)

// GapReason is the subset of GapRecord.reason values the resequencer
// itself can declare.
type GapReason string

const (
	ReasonOutOfOrderDrop    GapReason = "out_of_order_drop"
	ReasonNetworkLoss       GapReason = "network_loss"
	ReasonSourceUnavailable GapReason = "source_unavailable"
	ReasonRecorderOffline   GapReason = "recorder_offline"
)

// Gap describes a confirmed run of missing packets, expressed in RTP
// ticks (samples), not packet counts, so the segmenter can fill it
// directly.
type Gap struct {
	RTPTSBefore  uint32
	RTPTSAfter   uint32
	SamplesLost  uint32
	PacketsLost  int
	Reason       GapReason
}

// Event is either an ordered packet or a confirmed gap, emitted in
// strict RTP-timestamp order within one SSRC.
type Event struct {
	Packet *rtppkt.Packet
	Gap    *Gap
}

// heldPacket is an item in the reorder min-heap, ordered by sequence
// number using wraparound-aware comparison.
type heldPacket struct {
	pkt       rtppkt.Packet
	extSeq    uint64
	arrivedAt time.Time
}

type packetHeap []heldPacket

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].extSeq < h[j].extSeq }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)         { *h = append(*h, x.(heldPacket)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config tunes the reorder wait budget.
type Config struct {
	WaitBudget       time.Duration
	MaxBufferedPkts  int
	SampleRate       int
}

func DefaultConfig(sampleRate int) Config {
	return Config{
		WaitBudget:      100 * time.Millisecond,
		MaxBufferedPkts: 16,
		SampleRate:      sampleRate,
	}
}

// Resequencer buffers packets for a single SSRC and releases them in
// order, synthesizing Gaps for losses it can confirm.
type Resequencer struct {
	cfg Config

	initialized bool
	ssrc        uint32

	// extended (unwrapped) sequence bookkeeping, same algorithm as
	// media/rtp_sequencer.go RTPExtendedSequenceNumber but kept local
	// since we also need to map seq -> extended seq for buffered items.
	baseSeq   uint16
	wrapCount uint16
	lastEmittedExt uint64
	haveEmitted    bool
	lastEmittedAt  time.Time

	lastEmittedRTPTs    uint32
	lastEmittedEndRTPTs uint32 // lastEmittedRTPTs + that packet's sample count

	buf  packetHeap
	seen map[uint64]time.Time

	// emittedRecent remembers the last few extended sequence numbers
	// this Resequencer has released, so a repeat arrival of one of them
	// can be told apart from a distinct packet arriving too late to be
	// reordered (already past its confirmed gap).
	emittedRecent  map[uint64]struct{}
	emittedRecentQ []uint64

	droppedLate int
	droppedDup  int

	lastPacketAt     time.Time
	haveLastPacketAt bool
}

// recentEmittedHorizon bounds the emitted-sequence memory used for
// dup-vs-late classification, independent of the reorder buffer size.
const recentEmittedHorizon = 256

func New(cfg Config) *Resequencer {
	return &Resequencer{
		cfg:           cfg,
		buf:           make(packetHeap, 0, cfg.MaxBufferedPkts),
		seen:          make(map[uint64]time.Time),
		emittedRecent: make(map[uint64]struct{}),
	}
}

// DroppedLate returns the count of packets dropped for arriving beyond
// the reorder horizon.
func (r *Resequencer) DroppedLate() int { return r.droppedLate }
func (r *Resequencer) DroppedDup() int  { return r.droppedDup }

func (r *Resequencer) extendSeq(seq uint16) uint64 {
	if !r.initialized {
		r.baseSeq = seq
		r.initialized = true
		return uint64(seq)
	}
	// Only the current wrap count is applied here; wraparound itself is
	// detected in computeExtSeq before it calls this for later packets.
	return uint64(seq) + uint64(r.wrapCount)*65536
}

// Push admits one arriving packet (already decoded) and returns any
// events now releasable in order: zero or more ordered packets/gaps.
// Call Flush periodically (or on shutdown) to drain packets whose wait
// budget has expired even with no further arrivals.
func (r *Resequencer) Push(pkt rtppkt.Packet, now time.Time) []Event {
	r.lastPacketAt = now
	r.haveLastPacketAt = true

	extSeq := r.computeExtSeq(pkt.SequenceNumber)

	if r.haveEmitted && extSeq <= r.lastEmittedExt {
		if _, wasEmitted := r.emittedRecent[extSeq]; wasEmitted {
			r.droppedDup++
		} else {
			// A distinct packet, never emitted or buffered, arriving
			// after the reorder window already gave up on it (its gap
			// has likely already been confirmed and emitted).
			r.droppedLate++
		}
		return nil
	}
	if _, dup := r.seen[extSeq]; dup {
		r.droppedDup++
		return nil
	}

	if len(r.buf) >= r.cfg.MaxBufferedPkts {
		// Buffer saturated: force-drain the oldest before accepting more,
		// same "bounded wait-budget" idea but triggered by capacity
		// instead of time.
		events := r.drainReady(now, true)
		events = append(events, r.admitAndDrain(pkt, extSeq, now)...)
		return events
	}

	return r.admitAndDrain(pkt, extSeq, now)
}

func (r *Resequencer) admitAndDrain(pkt rtppkt.Packet, extSeq uint64, now time.Time) []Event {
	heap.Push(&r.buf, heldPacket{pkt: pkt, extSeq: extSeq, arrivedAt: now})
	r.seen[extSeq] = now
	return r.drainReady(now, false)
}

// computeExtSeq extends pkt's 16-bit sequence number into the monotonic
// space, tracking wraparound the same way RTPExtendedSequenceNumber does.
func (r *Resequencer) computeExtSeq(seq uint16) uint64 {
	if !r.initialized {
		return r.extendSeq(seq)
	}
	hwmSeq := uint16(r.hwmExt())
	udelta := seq - hwmSeq
	const maxDropout = 3000
	if udelta < maxDropout {
		if seq < hwmSeq {
			r.wrapCount++
		}
		return uint64(seq) + uint64(r.wrapCount)*65536
	}
	// Large backward jump: likely still within this wrap, just late.
	return uint64(seq) + uint64(r.wrapCount)*65536
}

func (r *Resequencer) hwmExt() uint64 {
	if len(r.buf) == 0 {
		return r.lastEmittedExt
	}
	max := r.lastEmittedExt
	for _, h := range r.buf {
		if h.extSeq > max {
			max = h.extSeq
		}
	}
	return max
}

// drainReady releases the lowest-sequence buffered packet(s) that are
// either the immediate next expected packet, or have aged past the wait
// budget, or wait behind a next expected packet that has been absent for
// the wait budget since the last emission (in the last two cases the gap
// up to them is confirmed and emitted).
// If force is true, the single oldest packet is drained unconditionally
// regardless of age (used when the buffer is full).
func (r *Resequencer) drainReady(now time.Time, force bool) []Event {
	var events []Event
	for len(r.buf) > 0 {
		top := r.buf[0]

		isNext := r.haveEmitted && top.extSeq == r.lastEmittedExt+1
		isFirst := !r.haveEmitted

		aged := now.Sub(top.arrivedAt) >= r.cfg.WaitBudget ||
			(r.haveEmitted && now.Sub(r.lastEmittedAt) >= r.cfg.WaitBudget)

		if !isNext && !isFirst && !aged && !force {
			break
		}

		heap.Pop(&r.buf)
		delete(r.seen, top.extSeq)

		if r.haveEmitted && top.extSeq > r.lastEmittedExt+1 {
			gapExt := top.extSeq - r.lastEmittedExt - 1
			if delta := rtppkt.Diff32(top.pkt.RTPTimestamp, r.lastEmittedEndRTPTs); delta > 0 {
				events = append(events, Event{Gap: r.buildGap(r.lastEmittedEndRTPTs, top.pkt.RTPTimestamp, int(gapExt), ReasonNetworkLoss)})
			}
		}

		pktCopy := top.pkt
		events = append(events, Event{Packet: &pktCopy})
		r.lastEmittedExt = top.extSeq
		r.lastEmittedRTPTs = top.pkt.RTPTimestamp
		r.lastEmittedEndRTPTs = top.pkt.RTPTimestamp + uint32(len(top.pkt.Samples))
		r.haveEmitted = true
		r.lastEmittedAt = now
		force = false
		r.rememberEmitted(top.extSeq)
	}
	return events
}

// rememberEmitted records extSeq as released, evicting the oldest
// entry once the horizon is exceeded so this memory stays bounded for
// a long-running stream.
func (r *Resequencer) rememberEmitted(extSeq uint64) {
	r.emittedRecent[extSeq] = struct{}{}
	r.emittedRecentQ = append(r.emittedRecentQ, extSeq)
	if len(r.emittedRecentQ) > recentEmittedHorizon {
		oldest := r.emittedRecentQ[0]
		r.emittedRecentQ = r.emittedRecentQ[1:]
		delete(r.emittedRecent, oldest)
	}
}

// Flush should be called on an idle ticker so that packets sitting in
// the reorder buffer past their wait budget are released even without
// new arrivals, and so that a stalled stream is detected.
func (r *Resequencer) Flush(now time.Time) []Event {
	return r.drainReady(now, false)
}

// CheckSourceRestart inspects an incoming packet's RTP timestamp against
// the last emitted one: if the jump exceeds one packet's worth of
// samples even though sequence numbers look contiguous, the source
// likely restarted. samplesPerPacket lets the caller supply
// the channel's configured packet size.
func (r *Resequencer) CheckSourceRestart(pkt rtppkt.Packet, samplesPerPacket uint32) *Gap {
	if !r.haveEmitted {
		return nil
	}
	if pkt.SequenceNumber != uint16(r.lastEmittedExt+1) {
		return nil
	}
	delta := rtppkt.Diff32(pkt.RTPTimestamp, r.lastEmittedEndRTPTs)
	if delta <= 0 {
		return nil
	}
	if uint32(delta) <= samplesPerPacket {
		return nil
	}
	gap := r.buildGap(r.lastEmittedEndRTPTs, pkt.RTPTimestamp, 0, ReasonSourceUnavailable)
	return gap
}

// CheckLongOutage should be called periodically (e.g. from the same
// ticker that drives Flush) to catch a source that has stopped sending
// packets entirely, which neither Push nor CheckSourceRestart can
// detect since both require a packet to arrive. It synthesizes a gap
// for the silence elapsed since the last packet (or the last outage
// report), sized via the channel's nominal sample rate, so a long
// recorder/source outage still yields a continuous run of
// ReasonRecorderOffline GapRecords instead of a silent hole. maxGap is
// the caller's configured threshold (channel.Config.MaxGapSeconds).
func (r *Resequencer) CheckLongOutage(now time.Time, maxGap time.Duration) *Gap {
	if !r.haveEmitted || !r.haveLastPacketAt {
		return nil
	}
	elapsed := now.Sub(r.lastPacketAt)
	if elapsed < maxGap {
		return nil
	}

	samplesLost := uint32(elapsed.Seconds() * float64(r.cfg.SampleRate))
	if samplesLost == 0 {
		return nil
	}

	before := r.lastEmittedEndRTPTs
	after := before + samplesLost
	gap := r.buildGap(before, after, 0, ReasonRecorderOffline)

	r.lastEmittedEndRTPTs = after
	r.lastPacketAt = now
	return gap
}

func (r *Resequencer) buildGap(before, after uint32, packetsLost int, reason GapReason) *Gap {
	samplesLost := uint32(rtppkt.Diff32(after, before))
	return &Gap{
		RTPTSBefore: before,
		RTPTSAfter:  after,
		SamplesLost: samplesLost,
		PacketsLost: packetsLost,
		Reason:      reason,
	}
}
