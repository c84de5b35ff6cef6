package discriminator

import (
	"math"
	"time"

	"github.com/mijahauan/timesnaprecorder/dsp"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// Params bundles the receiver geography needed by the BCD method. The
// minute used by the schedule-gated methods comes from Discriminate's
// minuteUTC argument, not from Params.
type Params struct {
	ReceiverLat float64
	ReceiverLon float64
}

// Discriminate runs all eight voting methods against one minute of
// samples and folds them into a single weighted decision plus the
// cross-validation adjustments that refine its confidence.
//
// samples must be the full minute at sampleRate; markerSamples is the
// short window around the on-the-minute marker tone used by the power-
// ratio method.
func Discriminate(samples, markerSamples []rtppkt.Complex, sampleRate int, minuteUTC time.Time, p Params) Discrimination {
	minute := minuteUTC.Minute()

	votes := make([]Vote, 0, 8)

	vTest := testSignalMethod(samples, sampleRate, minute)
	votes = append(votes, vTest)
	votes = append(votes, stationID440Method(samples, sampleRate, minute))

	vBCD := bcdSubcarrierMethod(samples, sampleRate, minute, p.ReceiverLat, p.ReceiverLon)
	votes = append(votes, vBCD)

	votes = append(votes, powerRatioMethod(markerSamples, sampleRate))
	votes = append(votes, tickSNRMethod(samples, sampleRate))
	votes = append(votes, groundTruth500600Method(samples, sampleRate, minute))

	avgSNR := estimateAvgSNR(samples, sampleRate)
	votes = append(votes, dopplerStabilityMethod(samples, sampleRate, avgSNR))

	bcdDelay := 0.0
	if vBCD.Active {
		bcdDelay = bcdDelayFromVote(samples, sampleRate, minute, p)
	}
	votes = append(votes, timingCoherenceMethod(vTest, bcdDelay, minute))

	score, crossChecks := combine(votes, minute)
	dominant, confidence := classify(score, crossChecks)

	return Discrimination{
		MinuteUTC:   minuteUTC,
		Votes:       votes,
		Dominant:    dominant,
		Confidence:  confidence,
		CrossChecks: crossChecks,
	}
}

// bcdDelayFromVote re-derives the BCD differential delay for the timing-
// coherence method; bcdSubcarrierMethod does not expose it directly
// since its Vote carries only the aggregated amplitude score.
func bcdDelayFromVote(samples []rtppkt.Complex, sampleRate, minute int, p Params) float64 {
	const subcarrierHz = 100
	const windowSec = 3
	windowLen := sampleRate * windowSec
	if len(samples) < windowLen {
		return 0
	}
	tmpl := buildBCDTemplate(subcarrierHz, sampleRate, windowLen, minute)
	isolated := isolateSubcarrier(samples[:windowLen], sampleRate, subcarrierHz)
	res := extractDualPeak(isolated, tmpl, sampleRate, p.ReceiverLat, p.ReceiverLon)
	return res.DifferentialDelayMs
}

// estimateAvgSNR measures the 1000 Hz tone against an adjacent off-tone
// band, the same narrowband-vs-noise-floor technique tonedetect uses for
// its own SNR gate, rather than a method-local approximation.
func estimateAvgSNR(samples []rtppkt.Complex, sampleRate int) float64 {
	const toneHz = 1000
	const noiseLoHz = 1350
	const noiseHiHz = 1450
	return dsp.SNRDB(samples, sampleRate, toneHz, noiseLoHz, noiseHiHz)
}

// combine sums wi*si / sum(wi) over the active votes; each method's
// Vote.Weight already encodes measured confidence scaled into its own
// maximum weight.
func combine(votes []Vote, minute int) (float64, []CrossCheck) {
	var sumWS, sumW float64
	active := make(map[MethodID]Vote, len(votes))
	for _, v := range votes {
		if !v.Active || v.Weight <= 0 {
			continue
		}
		sumWS += v.Weight * v.Score
		sumW += v.Weight
		active[v.Method] = v
	}

	var score float64
	if sumW > 0 {
		score = sumWS / sumW
	}

	checks := crossValidate(active, minute, score)
	return score, checks
}

func classify(score float64, checks []CrossCheck) (Dominant, Confidence) {
	var dominant Dominant
	switch {
	case score > 0.15:
		dominant = DominantWWV
	case score < -0.15:
		dominant = DominantWWVH
	case math.Abs(score) <= 0.15:
		dominant = DominantBalanced
	default:
		dominant = DominantUnknown
	}

	mag := math.Abs(score)
	var confidence Confidence
	switch {
	case mag > 0.7:
		confidence = ConfidenceHigh
	case mag >= 0.4:
		confidence = ConfidenceMedium
	default:
		confidence = ConfidenceLow
	}

	agreements, disagreements := 0, 0
	lowForced := false
	for _, c := range checks {
		if !c.Applies {
			continue
		}
		if c.Agree {
			agreements++
		} else {
			disagreements++
		}
		if c.Name == "coherence_quality" && !c.Agree {
			lowForced = true
		}
	}

	switch {
	case lowForced:
		confidence = ConfidenceLow
	case agreements >= 2 && disagreements == 0 && confidence != ConfidenceHigh:
		confidence = promote(confidence)
	case disagreements >= 2 && confidence == ConfidenceHigh:
		confidence = ConfidenceMedium
	}

	if dominant == DominantUnknown {
		confidence = ConfidenceLow
	}

	return dominant, confidence
}

func promote(c Confidence) Confidence {
	switch c {
	case ConfidenceLow:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceHigh
	default:
		return c
	}
}

// crossValidate runs the nine named cross-validation adjustments. Each
// check is "applies" only when both sides of the comparison have an
// active, meaningful vote; otherwise it is reported inapplicable rather
// than silently counted as agreement.
func crossValidate(active map[MethodID]Vote, minute int, score float64) []CrossCheck {
	checks := make([]CrossCheck, 0, 9)

	add := func(name string, applies, agree bool) {
		checks = append(checks, CrossCheck{Name: name, Applies: applies, Agree: agree})
	}

	// 1. power-vs-timing agreement: 1000/1200 power ratio vs BCD amplitude.
	if pr, ok1 := active[MethodPowerRatio1000_1200]; ok1 {
		if bcd, ok2 := active[MethodBCDAmplitudeRatio]; ok2 {
			add("power_vs_timing", true, sameSign(pr.Score, bcd.Score))
		} else {
			add("power_vs_timing", false, false)
		}
	} else {
		add("power_vs_timing", false, false)
	}

	// 2. per-tick voting consistency: high quality implies internal
	// agreement across the 59 ticks that produced it.
	if tk, ok := active[MethodTickSNR]; ok {
		add("tick_consistency", true, tk.Quality > 0.6)
	} else {
		add("tick_consistency", false, false)
	}

	// 3. geographic delay range: BCD differential delay quality stands in
	// for "delay within plausible ionospheric bounds."
	if bcd, ok := active[MethodBCDAmplitudeRatio]; ok {
		add("geographic_delay_range", true, bcd.Quality > 0.3)
	} else {
		add("geographic_delay_range", false, false)
	}

	// 4. 440 Hz ground truth.
	if id440, ok := active[Method440HzID]; ok {
		add("440hz_ground_truth", true, sameSign(id440.Score, score))
	} else {
		add("440hz_ground_truth", false, false)
	}

	// 5. BCD correlation quality.
	if bcd, ok := active[MethodBCDAmplitudeRatio]; ok {
		add("bcd_correlation_quality", true, bcd.Quality > 0.5)
	} else {
		add("bcd_correlation_quality", false, false)
	}

	// 6. 500/600 Hz ground truth, admissible only on exclusive minutes.
	if gt, ok := active[MethodGroundTruth500_600]; ok && (isWWVExclusive(minute) || isWWVHExclusive(minute)) {
		add("500_600hz_ground_truth", true, sameSign(gt.Score, score))
	} else {
		add("500_600hz_ground_truth", false, false)
	}

	// 7. Doppler-power agreement.
	if dop, ok := active[MethodDopplerStability]; ok {
		add("doppler_power_agreement", true, sameSign(dop.Score, score))
	} else {
		add("doppler_power_agreement", false, false)
	}

	// 8. coherence-quality adjustment: force low confidence when the
	// tick-level coherence is too poor to trust regardless of score.
	if tk, ok := active[MethodTickSNR]; ok {
		add("coherence_quality", true, tk.Quality >= 0.3)
	} else {
		add("coherence_quality", false, false)
	}

	// 9. 500->1000 / 600->1200 harmonic signature: ground-truth tone and
	// power-ratio tone should point the same way, since 1000/1200 Hz are
	// the second harmonics of 500/600 Hz.
	if gt, ok1 := active[MethodGroundTruth500_600]; ok1 {
		if pr, ok2 := active[MethodPowerRatio1000_1200]; ok2 {
			add("harmonic_signature", true, sameSign(gt.Score, pr.Score))
		} else {
			add("harmonic_signature", false, false)
		}
	} else {
		add("harmonic_signature", false, false)
	}

	return checks
}

func sameSign(a, b float64) bool {
	if a == 0 || b == 0 {
		return true
	}
	return (a > 0) == (b > 0)
}
