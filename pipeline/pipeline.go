// Package pipeline wires one channel's full path together: packet
// ingest -> resequence -> segment -> archive write on one goroutine,
// and tone detection -> time-snap -> discrimination -> clock offset on
// a second goroutine fed by a bounded channel of finalized segments.
// A single per-channel mutex guards the state both goroutines touch.
package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mijahauan/timesnaprecorder/archive"
	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/clockoffset"
	"github.com/mijahauan/timesnaprecorder/csvlog"
	"github.com/mijahauan/timesnaprecorder/discriminator"
	"github.com/mijahauan/timesnaprecorder/metrics"
	"github.com/mijahauan/timesnaprecorder/resequencer"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/mijahauan/timesnaprecorder/segment"
	"github.com/mijahauan/timesnaprecorder/statestore"
	"github.com/mijahauan/timesnaprecorder/timesnap"
	"github.com/mijahauan/timesnaprecorder/tonedetect"
)

// analyticsQueueDepth is the bounded queue between ingest and analytics;
// when it is full, the ingest side's non-blocking send drops the segment
// from analysis (its archive copy is already written) rather than letting
// the queue grow without bound.
const analyticsQueueDepth = 4

// Options configures one channel's Pipeline.
type Options struct {
	Channel     channel.Config
	ReceiverLat float64
	ReceiverLon float64

	Archive archive.Writer
	Store   *statestore.Store
	Metrics *metrics.Registry
	CSVDir  string

	Log zerolog.Logger
}

// Pipeline owns one channel's end-to-end processing.
type Pipeline struct {
	opts Options
	log  zerolog.Logger

	mu sync.Mutex // guards timesnapMgr's applied/pending state and kalman

	resequencer *resequencer.Resequencer
	segmenter   *segment.Segmenter
	timesnapMgr *timesnap.Manager
	kalman      *clockoffset.Filter
	detectors   []tonedetect.Params

	segmentCh chan segment.Segment

	discCSV    *csvlog.Writer
	clockCSV   *csvlog.Writer
	qualityCSV *csvlog.Writer
	methodCSV  map[discriminator.MethodID]*csvlog.Writer

	packetsSinceStart int
	lastDroppedDup    int
	lastDroppedLate   int

	sampleMu     sync.Mutex
	latestSample clockoffset.BroadcastSample
	haveSample   bool
}

// New constructs a Pipeline for one channel, loading any persisted
// state so discipline resumes across restarts instead of re-acquiring
// cold.
func New(opts Options) *Pipeline {
	log := opts.Log.With().Str("channel", opts.Channel.Name.Key()).Logger()

	p := &Pipeline{
		opts:        opts,
		log:         log,
		resequencer: resequencer.New(resequencer.DefaultConfig(opts.Channel.SampleRate)),
		segmenter:   segment.New(opts.Channel),
		timesnapMgr: timesnap.New(opts.Channel.SampleRate),
		kalman:      clockoffset.NewFilter(),
		detectors:   tonedetect.DefaultParams(opts.Channel.ExpectedStations, opts.Channel.Tones),
		segmentCh:   make(chan segment.Segment, analyticsQueueDepth),
		methodCSV:   make(map[discriminator.MethodID]*csvlog.Writer),
	}

	p.timesnapMgr.Bootstrap(0, time.Now().UTC(), timesnap.SourceWallClock)

	if opts.Store != nil {
		if st, ok, err := opts.Store.LoadChannel(opts.Channel.Name.Key()); err == nil && ok {
			p.timesnapMgr.Seed(st.RTPTSAnchor, st.UTCAnchorUnix, st.PPMOffset, st.PPMConfidence)
			p.kalman.Seed(clockoffset.State(st.KalmanState), st.KalmanEstimateMs, st.KalmanVarianceMs2, st.KalmanMeasurements)
			log.Info().Str("kalman_state", st.KalmanState).Msg("resumed persisted channel state")
		} else if err != nil {
			log.Warn().Err(err).Msg("discarding corrupt persisted state, starting cold")
		}
	}

	if opts.CSVDir != "" {
		p.discCSV = csvlog.NewWriter(opts.CSVDir, opts.Channel.Name.DirSafe(), "discrimination", csvlog.DiscriminationHeader)
		p.clockCSV = csvlog.NewWriter(opts.CSVDir, opts.Channel.Name.DirSafe(), "clock_offset", csvlog.ClockOffsetHeader)
		p.qualityCSV = csvlog.NewWriter(opts.CSVDir, opts.Channel.Name.DirSafe(), "quality", csvlog.QualityHeader)
		for m := discriminator.MethodTestSignal; m <= discriminator.MethodTimingCoherence; m++ {
			p.methodCSV[m] = csvlog.NewWriter(opts.CSVDir, opts.Channel.Name.DirSafe(), m.String(), csvlog.MethodHeader)
		}
	}

	return p
}

// Run starts the ingest and analytics goroutines and blocks until ctx is
// canceled, then drains and exits cleanly: any complete segment already
// finalized is archived, but no partial segment is ever published.
func (p *Pipeline) Run(ctx context.Context, subscribe func(rtppkt.OnPacket) error) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		p.runAnalytics(ctx)
	}()

	go func() {
		defer wg.Done()
		p.runIngest(ctx, subscribe)
	}()

	wg.Wait()
	p.closeCSVs()
	return nil
}

func (p *Pipeline) runIngest(ctx context.Context, subscribe func(rtppkt.OnPacket) error) {
	flushTicker := time.NewTicker(100 * time.Millisecond)
	defer flushTicker.Stop()

	packetCh := make(chan rtppkt.Packet, 256)
	go func() {
		err := subscribe(func(pkt rtppkt.Packet) {
			select {
			case packetCh <- pkt:
			default:
				p.log.Warn().Msg("ingest packet buffer full, dropping packet")
				if p.opts.Metrics != nil {
					p.opts.Metrics.PacketsDropped.WithLabelValues(p.opts.Channel.Name.Key()).Inc()
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("packet source stopped unexpectedly")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.drainFinal()
			return
		case pkt := <-packetCh:
			p.handlePacket(pkt)
		case now := <-flushTicker.C:
			events := p.resequencer.Flush(now)
			p.handleEvents(events)
			p.checkLongOutage(now)
		}
	}
}

func (p *Pipeline) handlePacket(pkt rtppkt.Packet) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.PacketsReceived.WithLabelValues(p.opts.Channel.Name.Key()).Inc()
	}
	if gap := p.resequencer.CheckSourceRestart(pkt, uint32(p.opts.Channel.SamplesPerPacket())); gap != nil {
		p.handleEvents([]resequencer.Event{{Gap: gap}})
	}
	events := p.resequencer.Push(pkt, time.Now())
	p.recordDroppedDelta()
	p.handleEvents(events)
}

// checkLongOutage watches for a source that has stopped sending
// packets entirely, which neither Push nor CheckSourceRestart can see
// since both require a packet to have arrived.
func (p *Pipeline) checkLongOutage(now time.Time) {
	maxGap := time.Duration(p.opts.Channel.MaxGapSeconds) * time.Second
	if gap := p.resequencer.CheckLongOutage(now, maxGap); gap != nil {
		p.handleEvents([]resequencer.Event{{Gap: gap}})
	}
}

// recordDroppedDelta reports the resequencer's cumulative duplicate/late
// drop counters as metric increments since the last call.
func (p *Pipeline) recordDroppedDelta() {
	dup, late := p.resequencer.DroppedDup(), p.resequencer.DroppedLate()
	delta := (dup - p.lastDroppedDup) + (late - p.lastDroppedLate)
	p.lastDroppedDup, p.lastDroppedLate = dup, late
	if p.opts.Metrics == nil {
		return
	}
	if delta > 0 {
		p.opts.Metrics.PacketsDropped.WithLabelValues(p.opts.Channel.Name.Key()).Add(float64(delta))
	}
}

func (p *Pipeline) handleEvents(events []resequencer.Event) {
	for _, ev := range events {
		var segments []segment.Segment
		switch {
		case ev.Gap != nil:
			segments = p.segmenter.HandleGap(*ev.Gap)
			if p.opts.Metrics != nil {
				key := p.opts.Channel.Name.Key()
				p.opts.Metrics.GapsDetected.WithLabelValues(key, string(ev.Gap.Reason)).Inc()
				p.opts.Metrics.GapSamplesFilled.WithLabelValues(key).Add(float64(ev.Gap.SamplesLost))
			}
		case ev.Packet != nil:
			segments = p.segmenter.HandlePacket(*ev.Packet)
		}
		for _, seg := range segments {
			p.publishSegment(seg)
		}
	}
}

func (p *Pipeline) publishSegment(seg segment.Segment) {
	seg.FirstSampleUTC = p.timesnapMgr.UTCAt(seg.FirstSampleRTP)

	if p.opts.Archive != nil {
		if err := p.opts.Archive.WriteSegment(context.Background(), seg); err != nil {
			p.log.Error().Err(err).Msg("archive write failed")
		}
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.SegmentsWritten.WithLabelValues(p.opts.Channel.Name.Key()).Inc()
	}

	select {
	case p.segmentCh <- seg:
	default:
		p.log.Warn().Msg("analytics queue full, dropping segment from analysis (archive copy already written)")
	}
}

// drainFinal is called once on shutdown: it finalizes no partial
// segment, it simply stops feeding new packets. Any complete segment
// produced up to this point has already been published by
// handleEvents/publishSegment.
func (p *Pipeline) drainFinal() {
	if p.segmenter.HasPartialSegment() {
		p.log.Info().Int("samples", p.segmenter.PartialSampleCount()).Msg("discarding partial segment at shutdown")
	}
	close(p.segmentCh)
}

func (p *Pipeline) runAnalytics(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-p.segmentCh:
			if !ok {
				return
			}
			p.analyze(seg)
		}
	}
}

func (p *Pipeline) analyze(seg segment.Segment) {
	minuteUTC := seg.FirstSampleUTC.Truncate(time.Minute)

	detector := tonedetect.New(p.opts.Channel.SampleRate, p.detectors)
	detections := detector.Detect(seg.FirstSampleRTP, seg.Samples)

	for _, det := range detections {
		p.mu.Lock()
		p.timesnapMgr.ProposeCandidate(det)
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.timesnapMgr.ApplyPending()
	grade := p.timesnapMgr.Age(minuteUTC)
	p.mu.Unlock()

	markerLen := p.opts.Channel.SampleRate
	if markerLen > len(seg.Samples) {
		markerLen = len(seg.Samples)
	}
	params := discriminator.Params{ReceiverLat: p.opts.ReceiverLat, ReceiverLon: p.opts.ReceiverLon}
	disc := discriminator.Discriminate(seg.Samples, seg.Samples[:markerLen], p.opts.Channel.SampleRate, minuteUTC, params)

	p.recordDiscrimination(disc)

	if p.opts.Metrics != nil {
		key := p.opts.Channel.Name.Key()
		p.opts.Metrics.DiscriminationConfidence.WithLabelValues(key).Set(metrics.ConfidenceOrdinal(string(disc.Confidence)))
		p.opts.Metrics.TimeSnapGrade.WithLabelValues(key).Set(metrics.GradeOrdinal(string(grade)))
	}

	for _, det := range detections {
		p.recordClockOffset(det, minuteUTC)
	}

	p.recordQuality(minuteUTC, grade)
}

func (p *Pipeline) recordDiscrimination(disc discriminator.Discrimination) {
	if p.discCSV != nil {
		var score float64
		if len(disc.Votes) > 0 {
			var sumWS, sumW float64
			for _, v := range disc.Votes {
				if v.Active {
					sumWS += v.Weight * v.Score
					sumW += v.Weight
				}
			}
			if sumW > 0 {
				score = sumWS / sumW
			}
		}
		_ = p.discCSV.WriteRow(disc.MinuteUTC, []string{
			disc.MinuteUTC.Format(time.RFC3339), string(disc.Dominant), string(disc.Confidence), formatFloat(score),
		})
	}
	for _, v := range disc.Votes {
		w, ok := p.methodCSV[v.Method]
		if !ok {
			continue
		}
		_ = w.WriteRow(disc.MinuteUTC, []string{
			disc.MinuteUTC.Format(time.RFC3339), formatFloat(v.Score), formatFloat(v.Weight), formatBool(v.Active), formatFloat(v.Quality),
		})
	}
}

func (p *Pipeline) recordClockOffset(det tonedetect.Detection, minuteUTC time.Time) {
	model := clockoffset.PropagationModel{ReceiverLat: p.opts.ReceiverLat, ReceiverLon: p.opts.ReceiverLon}
	arrival := p.timesnapMgr.UTCAt(det.RTPOnset)

	measurement := clockoffset.Measurement(det.Station, det.ToneFreqHz, arrival, minuteUTC, "1hop_F2", model)

	p.mu.Lock()
	estimate, uncertainty, state, ok := p.kalman.Update(measurement)
	p.mu.Unlock()
	if !ok {
		return
	}

	offset := clockoffset.BuildClockOffset(minuteUTC, estimate, uncertainty, state, "1hop_F2")

	p.sampleMu.Lock()
	p.latestSample = clockoffset.BroadcastSample{
		Station:      det.Station,
		DClockMs:     offset.DClockMs,
		SNRDB:        det.SNRDB,
		QualityGrade: offset.QualityGrade,
		ModePrior:    1.0,
	}
	p.haveSample = true
	p.sampleMu.Unlock()

	if p.opts.Metrics != nil {
		key := p.opts.Channel.Name.Key()
		p.opts.Metrics.ClockOffsetMs.WithLabelValues(key).Set(offset.DClockMs)
		p.opts.Metrics.ClockOffsetUncertainty.WithLabelValues(key).Set(offset.UncertaintyMs)
		p.opts.Metrics.KalmanMeasurements.WithLabelValues(key).Set(float64(p.kalmanMeasurementsSnapshot()))
	}

	if p.clockCSV != nil {
		_ = p.clockCSV.WriteRow(minuteUTC, []string{
			minuteUTC.Format(time.RFC3339), formatFloat(offset.DClockMs), formatFloat(offset.UncertaintyMs),
			string(offset.QualityGrade), offset.ModeHint, string(offset.ConvergenceState),
		})
	}
}

// LatestBroadcastSample returns this channel's most recent clock-offset
// measurement for cross-channel fusion. A caller aggregating multiple
// channels' samples should poll this once per minute and feed the
// results into a shared clockoffset.FusionCalibration.
func (p *Pipeline) LatestBroadcastSample() (clockoffset.BroadcastSample, bool) {
	p.sampleMu.Lock()
	defer p.sampleMu.Unlock()
	return p.latestSample, p.haveSample
}

func (p *Pipeline) kalmanMeasurementsSnapshot() int {
	return p.kalman.Measurements()
}

// recordQuality writes the minute's timesnap grade. The pipeline holds no
// NTP status, so the ntp_synced and ntp_offset_ms columns are always
// written as "unknown" and "0".
func (p *Pipeline) recordQuality(minuteUTC time.Time, grade timesnap.Grade) {
	if p.qualityCSV == nil {
		return
	}
	_ = p.qualityCSV.WriteRow(minuteUTC, []string{
		minuteUTC.Format(time.RFC3339), string(grade), "unknown", "0",
	})
}

func (p *Pipeline) closeCSVs() {
	for _, w := range []*csvlog.Writer{p.discCSV, p.clockCSV, p.qualityCSV} {
		if w != nil {
			_ = w.Close()
		}
	}
	for _, w := range p.methodCSV {
		_ = w.Close()
	}
}

// SaveState persists this channel's discipline state so a restart can
// resume rather than re-acquire.
func (p *Pipeline) SaveState() error {
	if p.opts.Store == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	snap, _ := p.timesnapMgr.Applied()
	st := statestore.ChannelState{
		RTPTSAnchor:        snap.RTPTSAnchor,
		UTCAnchorUnix:      float64(snap.UTCAnchor.Unix()),
		PPMOffset:          snap.PPMOffset,
		PPMConfidence:      snap.PPMConfidence,
		KalmanEstimateMs:   p.kalman.Estimate(),
		KalmanVarianceMs2:  p.kalman.Variance(),
		KalmanMeasurements: p.kalman.Measurements(),
		KalmanState:        string(p.kalman.State()),
	}
	return p.opts.Store.SaveChannel(p.opts.Channel.Name.Key(), st)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
func formatBool(v bool) string     { return strconv.FormatBool(v) }

