package discriminator

import (
	"math"

	"github.com/mijahauan/timesnaprecorder/dsp"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

func isWWVExclusive(minute int) bool {
	switch minute {
	case 1, 16, 17, 19:
		return true
	}
	return false
}

func isWWVHExclusive(minute int) bool {
	if minute == 2 {
		return true
	}
	return minute >= 43 && minute <= 51
}

// testSignalMethod (#1): minutes 8 and 44 carry a station-distinguishing
// test-signal format. Max weight 15.
func testSignalMethod(samples []rtppkt.Complex, sampleRate, minute int) Vote {
	if minute != 8 && minute != 44 {
		return Vote{Method: MethodTestSignal, Active: false}
	}

	p500 := dsp.BandPowerDB(samples, sampleRate, 495, 505)
	p600 := dsp.BandPowerDB(samples, sampleRate, 595, 605)

	score, quality := scoreFromPowerPair(p500, p600)
	return Vote{Method: MethodTestSignal, Score: score, Weight: 15 * quality, Active: quality > 0.1, Quality: quality}
}

// stationID440Method (#2): 440 Hz tone carries the on-the-hour-ish
// station ID, present on minutes 1 and 2 only. Max weight 10.
func stationID440Method(samples []rtppkt.Complex, sampleRate, minute int) Vote {
	if minute != 1 && minute != 2 {
		return Vote{Method: Method440HzID, Active: false}
	}

	p440 := dsp.BandPowerDB(samples, sampleRate, 435, 445)
	noise := dsp.BandPowerDB(samples, sampleRate, 700, 900)
	presence := clampUnit((p440 - noise) / 30)
	if presence <= 0 {
		return Vote{Method: Method440HzID, Active: false}
	}

	// WWV airs its ID on minute 2, WWVH on minute 1.
	score := 1.0
	if minute == 1 {
		score = -1.0
	}
	return Vote{Method: Method440HzID, Score: score * presence, Weight: 10 * presence, Active: true, Quality: presence}
}

// powerRatioMethod (#4): 1000 Hz (WWV/CHU) vs 1200 Hz (WWVH) power ratio
// of the minute-marker tone. Applies every minute, max weight 10.
func powerRatioMethod(markerSamples []rtppkt.Complex, sampleRate int) Vote {
	p1000 := dsp.BandPowerDB(markerSamples, sampleRate, 995, 1005)
	p1200 := dsp.BandPowerDB(markerSamples, sampleRate, 1195, 1205)

	score, quality := scoreFromPowerPair(p1000, p1200)
	return Vote{Method: MethodPowerRatio1000_1200, Score: score, Weight: 10 * quality, Active: quality > 0.05, Quality: quality}
}

// tickSNRMethod (#5): coherent per-second tick SNR across the minute's
// 59 one-second ticks. Max weight 5.
func tickSNRMethod(samples []rtppkt.Complex, sampleRate int) Vote {
	secLen := sampleRate
	nTicks := len(samples) / secLen
	if nTicks > 59 {
		nTicks = 59
	}
	if nTicks == 0 {
		return Vote{Method: MethodTickSNR, Active: false}
	}

	var sumWWV, sumWWVH, sumSq float64
	samplesPer := make([]float64, 0, nTicks)
	for i := 0; i < nTicks; i++ {
		tick := samples[i*secLen : (i+1)*secLen]
		snrWWV := dsp.SNRDB(tick, sampleRate, 1000, 1350, 1450)
		snrWWVH := dsp.SNRDB(tick, sampleRate, 1200, 1350, 1450)
		d := snrWWV - snrWWVH
		sumWWV += snrWWV
		sumWWVH += snrWWVH
		samplesPer = append(samplesPer, d)
	}

	meanD := (sumWWV - sumWWVH) / float64(nTicks)
	for _, d := range samplesPer {
		diff := d - meanD
		sumSq += diff * diff
	}
	variance := sumSq / float64(nTicks)
	stddev := math.Sqrt(variance)

	// Consistency: low spread across ticks relative to the mean
	// difference implies a coherent, trustworthy vote.
	quality := clampUnit(1 - stddev/10)
	score := clamp11(meanD / 10)

	return Vote{Method: MethodTickSNR, Score: score, Weight: 5 * quality, Active: quality > 0.1, Quality: quality}
}

// groundTruth500600Method (#6): 500 Hz (WWV) vs 600 Hz (WWVH) tones,
// admissible only on each station's exclusive minutes.
func groundTruth500600Method(samples []rtppkt.Complex, sampleRate, minute int) Vote {
	var weight float64
	switch {
	case isWWVExclusive(minute) && minute != 1 && minute != 2:
		weight = 15
	case isWWVHExclusive(minute) && minute != 1 && minute != 2:
		weight = 15
	case minute == 1 || minute == 2:
		weight = 10
	default:
		return Vote{Method: MethodGroundTruth500_600, Active: false}
	}

	p500 := dsp.BandPowerDB(samples, sampleRate, 495, 505)
	p600 := dsp.BandPowerDB(samples, sampleRate, 595, 605)
	score, quality := scoreFromPowerPair(p500, p600)

	// Ground truth: on an exclusive minute the identity is already known
	// from the schedule; use the schedule as the dominant signal and the
	// measured tone power only to gate quality (absence of any tone at
	// all is itself informative of reception, not identity).
	expected := 1.0
	if isWWVHExclusive(minute) {
		expected = -1.0
	}
	_ = score

	return Vote{Method: MethodGroundTruth500_600, Score: expected, Weight: weight * math.Max(quality, 0.3), Active: true, Quality: quality}
}

// dopplerStabilityMethod (#7): amplitude-independent stability of the
// two candidate carriers via coefficient-of-variation of their matched
// magnitude over sliding windows. Max weight 2, gated on adequate SNR.
func dopplerStabilityMethod(samples []rtppkt.Complex, sampleRate int, avgSNR float64) Vote {
	if avgSNR < 6 {
		return Vote{Method: MethodDopplerStability, Active: false}
	}

	cvWWV := coefficientOfVariation(samples, sampleRate, 1000)
	cvWWVH := coefficientOfVariation(samples, sampleRate, 1200)

	diff := cvWWVH - cvWWV // positive => WWV is more stable => WWV leaning
	quality := clampUnit(avgSNR / 20)
	score := clamp11(diff * 5)

	return Vote{Method: MethodDopplerStability, Score: score, Weight: 2 * quality, Active: quality > 0.1, Quality: quality}
}

// timingCoherenceMethod (#8): agreement between the test-signal ToA and
// the BCD ToA on minutes 8 and 44. Max weight 3.
func timingCoherenceMethod(testSignalVote Vote, bcdDelayMs float64, minute int) Vote {
	if minute != 8 && minute != 44 {
		return Vote{Method: MethodTimingCoherence, Active: false}
	}
	if !testSignalVote.Active {
		return Vote{Method: MethodTimingCoherence, Active: false}
	}

	// Within a plausible differential-delay window, timing agrees with
	// whatever the test-signal method already concluded; outside it, the
	// timing evidence contradicts the amplitude evidence.
	agrees := bcdDelayMs >= 0 && bcdDelayMs <= 12
	score := testSignalVote.Score
	if !agrees {
		score = -score
	}
	return Vote{Method: MethodTimingCoherence, Score: clamp11(score), Weight: 3, Active: true, Quality: 1}
}

func scoreFromPowerPair(pWWV, pWWVH float64) (score, quality float64) {
	if math.IsInf(pWWV, -1) && math.IsInf(pWWVH, -1) {
		return 0, 0
	}
	if math.IsInf(pWWVH, -1) {
		return 1, 0.5
	}
	if math.IsInf(pWWV, -1) {
		return -1, 0.5
	}
	diffDB := pWWV - pWWVH
	score = clamp11(diffDB / 10)
	quality = clampUnit(math.Abs(diffDB) / 6)
	return score, quality
}

func coefficientOfVariation(samples []rtppkt.Complex, sampleRate int, toneHz float64) float64 {
	const winSec = 2
	winLen := winSec * sampleRate
	if winLen <= 0 || len(samples) < winLen {
		return 0
	}
	var vals []float64
	for start := 0; start+winLen <= len(samples); start += winLen {
		win := samples[start : start+winLen]
		p := dsp.BandPowerDB(win, sampleRate, toneHz-5, toneHz+5)
		if !math.IsInf(p, -1) {
			vals = append(vals, p)
		}
	}
	if len(vals) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	if mean == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(vals)))
	return stddev / math.Abs(mean)
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
