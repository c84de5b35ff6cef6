// Package timesnap establishes and maintains the (RTP, UTC) anchor pair
// used to project any RTP timestamp to UTC, with PPM drift tracking and
// a quality grade.
package timesnap

import (
	"math"
	"sync"
	"time"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/mijahauan/timesnaprecorder/tonedetect"
)

// Source identifies what anchored the currently applied Snap.
type Source string

const (
	SourceWWVTone   Source = "wwv_tone"
	SourceWWVHTone  Source = "wwvh_tone"
	SourceCHUTone   Source = "chu_tone"
	SourceNTP       Source = "ntp"
	SourceWallClock Source = "wall_clock"
	SourceResumed   Source = "resumed"
)

// Grade ranks a Snap's trustworthiness by source and age.
type Grade string

const (
	GradeToneLocked   Grade = "TONE_LOCKED"
	GradeNTPSynced    Grade = "NTP_SYNCED"
	GradeInterpolated Grade = "INTERPOLATED"
	GradeWallClock    Grade = "WALL_CLOCK"
)

// Snap anchors one RTP timestamp to one UTC instant.
type Snap struct {
	RTPTSAnchor   uint32
	UTCAnchor     time.Time
	EstablishedAt time.Time
	Source        Source
	Confidence    float64
	Station       channel.Station
	PPMOffset     float64
	PPMConfidence float64
}

// stationPriority orders stations for timing-anchor preference: WWV >
// CHU > WWVH.
func stationPriority(s channel.Station) int {
	switch s {
	case channel.StationWWV:
		return 3
	case channel.StationCHU:
		return 2
	case channel.StationWWVH:
		return 1
	default:
		return 0
	}
}

// snrThreshold is the station-specific minimum SNR a ToneDetection must
// clear before it is even considered as an anchor candidate.
func snrThreshold(s channel.Station) float64 {
	switch s {
	case channel.StationWWV:
		return 10
	case channel.StationCHU:
		return 10
	case channel.StationWWVH:
		return 12
	default:
		return 15
	}
}

// Manager owns one channel's TimeSnap state. It must be accessed only
// through its exported methods, each of which takes the per-channel
// mutex.
type Manager struct {
	mu sync.Mutex

	sampleRate int

	applied    Snap
	haveApplied bool
	pending    *Snap

	lastAnchorRTP uint32
	lastAnchorUTC time.Time
	haveLastAnchor bool
}

func New(sampleRate int) *Manager {
	return &Manager{sampleRate: sampleRate}
}

// Bootstrap seeds an initial low-confidence snap from NTP or wall clock
// so utc_at has something to return before the first tone lock. This is
// the only place wall-clock time legitimately enters TimeSnap state; once
// applied, all further UTC derivation is a pure function of (Snap, rtp).
func (m *Manager) Bootstrap(rtpTs uint32, utcNow time.Time, source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conf := 0.1
	if source == SourceNTP {
		conf = 0.5
	}
	snap := Snap{
		RTPTSAnchor:   rtpTs,
		UTCAnchor:     utcNow,
		EstablishedAt: utcNow,
		Source:        source,
		Confidence:    conf,
	}
	m.applied = snap
	m.haveApplied = true
}

// UTCAt is the pure mapping utc_anchor + ((rtp_ts - rtp_anchor) /
// sample_rate) * clock_ratio.
func (m *Manager) UTCAt(rtpTs uint32) time.Time {
	m.mu.Lock()
	snap := m.applied
	ok := m.haveApplied
	m.mu.Unlock()

	if !ok {
		return time.Time{}
	}
	return utcAt(snap, rtpTs, m.sampleRate)
}

func utcAt(snap Snap, rtpTs uint32, sampleRate int) time.Time {
	deltaTicks := rtppkt.Diff32(rtpTs, snap.RTPTSAnchor)
	seconds := float64(deltaTicks) / float64(sampleRate)

	ratio := 1.0
	if snap.PPMConfidence > 0.3 {
		ratio = 1 + snap.PPMOffset/1e6
	}
	seconds *= ratio

	return snap.UTCAnchor.Add(time.Duration(seconds * float64(time.Second)))
}

// Seed restores a previously persisted anchor as the applied snap, so
// discipline resumes from where it left off instead of re-acquiring
// cold after a restart.
func (m *Manager) Seed(rtpTSAnchor uint32, utcAnchorUnix, ppmOffset, ppmConfidence float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	utc := time.Unix(0, int64(utcAnchorUnix*float64(time.Second))).UTC()
	m.applied = Snap{
		RTPTSAnchor:   rtpTSAnchor,
		UTCAnchor:     utc,
		EstablishedAt: utc,
		Source:        SourceResumed,
		Confidence:    0.4,
		PPMOffset:     ppmOffset,
		PPMConfidence: ppmConfidence,
	}
	m.haveApplied = true
	m.lastAnchorRTP = rtpTSAnchor
	m.lastAnchorUTC = utc
	m.haveLastAnchor = true
}

// Applied returns a copy of the currently applied snap.
func (m *Manager) Applied() (Snap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied, m.haveApplied
}

// ProposeCandidate queues a pending candidate built from a ToneDetection.
// Only detections clearing the station-specific SNR threshold are
// considered. If a pending candidate already exists for this boundary,
// the higher-quality one wins.
func (m *Manager) ProposeCandidate(det tonedetect.Detection) {
	if det.SNRDB < snrThreshold(det.Station) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expectedUTC := m.expectedMinuteUTCLocked(det.RTPOnset)

	source := SourceWWVTone
	switch det.Station {
	case channel.StationWWVH:
		source = SourceWWVHTone
	case channel.StationCHU:
		source = SourceCHUTone
	}

	candidate := Snap{
		RTPTSAnchor:   det.RTPOnset,
		UTCAnchor:     expectedUTC,
		EstablishedAt: expectedUTC,
		Source:        source,
		Station:       det.Station,
		Confidence:    qualityScore(det),
	}

	if m.pending == nil || candidate.Confidence > m.pending.Confidence {
		m.pending = &candidate
	}
}

// expectedMinuteUTCLocked derives the UTC minute boundary a tone onset
// at rtpTs must correspond to, purely from the currently applied snap
// (never the wall clock), rounding to the nearest minute since the
// segmenter only ever hands tone onsets near a minute start.
func (m *Manager) expectedMinuteUTCLocked(rtpTs uint32) time.Time {
	if !m.haveApplied {
		return time.Time{}
	}
	est := utcAt(m.applied, rtpTs, m.sampleRate)
	return est.Round(time.Minute)
}

// qualityScore folds SNR confidence and station priority into a single
// [0,1] score. Agreement with the existing snap is not part of the score.
func qualityScore(det tonedetect.Detection) float64 {
	snrComponent := det.Confidence // already normalized 0..1 in tonedetect
	priorityComponent := float64(stationPriority(det.Station)) / 3.0
	return 0.7*snrComponent + 0.3*priorityComponent
}

// ApplyPending transitions pending -> applied. It must only be called at
// a segment boundary; the pipeline enforces this by calling it
// exactly once per finalized segment, never mid-segment.
func (m *Manager) ApplyPending() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return
	}
	next := *m.pending
	m.pending = nil

	if m.haveLastAnchor && next.Source == m.applied.Source {
		next.PPMOffset, next.PPMConfidence = m.smoothPPM(next)
	} else {
		next.PPMOffset = m.applied.PPMOffset
		next.PPMConfidence = m.applied.PPMConfidence
	}

	m.lastAnchorRTP = next.RTPTSAnchor
	m.lastAnchorUTC = next.UTCAnchor
	m.haveLastAnchor = true

	m.applied = next
	m.haveApplied = true
}

// smoothPPM computes ppm_measured from two consecutive same-source
// anchors and smooths it exponentially (alpha=0.5) into ppm_offset.
func (m *Manager) smoothPPM(next Snap) (offset float64, confidence float64) {
	deltaRTP := rtppkt.Diff32(next.RTPTSAnchor, m.lastAnchorRTP)
	deltaUTC := next.UTCAnchor.Sub(m.lastAnchorUTC).Seconds()
	if deltaUTC <= 0 || deltaRTP <= 0 {
		return m.applied.PPMOffset, m.applied.PPMConfidence
	}

	measuredRate := float64(deltaRTP) / deltaUTC / float64(m.sampleRate)
	ppmMeasured := (measuredRate - 1) * 1e6

	const alpha = 0.5
	smoothed := alpha*ppmMeasured + (1-alpha)*m.applied.PPMOffset

	// Confidence rises with agreement between the new measurement and
	// the running estimate.
	disagreement := math.Abs(ppmMeasured - m.applied.PPMOffset)
	agreement := 1.0 / (1.0 + disagreement)
	confidence = math.Min(1.0, 0.5*m.applied.PPMConfidence+0.5*agreement)

	return smoothed, confidence
}

// Age downgrades the applied snap's quality grade as it ages without a
// fresh detection.
func (m *Manager) Age(now time.Time) Grade {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveApplied {
		return GradeWallClock
	}
	return gradeFor(m.applied, now)
}

func gradeFor(snap Snap, now time.Time) Grade {
	age := now.Sub(snap.EstablishedAt)
	isTone := snap.Source == SourceWWVTone || snap.Source == SourceWWVHTone || snap.Source == SourceCHUTone

	switch {
	case isTone && age <= 5*time.Minute:
		return GradeToneLocked
	case snap.Source == SourceNTP:
		return GradeNTPSynced
	case age <= 60*time.Minute:
		return GradeInterpolated
	default:
		return GradeWallClock
	}
}
