package dsp

import (
	"math"
	"sort"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// CrossCorrelate slides template across signal and returns the
// correlation magnitude at every valid offset.
func CrossCorrelate(signal, template []rtppkt.Complex) []float64 {
	n := len(signal) - len(template) + 1
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		var accR, accI float64
		for k, t := range template {
			s := signal[i+k]
			// Correlate against the conjugate of the template so phase
			// alignment (not polarity) drives the peak, matching how a
			// matched filter is defined for a complex baseband signal.
			accR += float64(real(s))*float64(real(t)) + float64(imag(s))*float64(imag(t))
			accI += float64(imag(s))*float64(real(t)) - float64(real(s))*float64(imag(t))
		}
		out[i] = math.Hypot(accR, accI)
	}
	return out
}

// PeakToMedianRatio returns corr[peakIdx] / median(corr), the detection
// statistic tone presence is thresholded against.
func PeakToMedianRatio(corr []float64, peakIdx int) float64 {
	if len(corr) == 0 {
		return 0
	}
	sorted := append([]float64(nil), corr...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if median == 0 {
		return math.Inf(1)
	}
	return corr[peakIdx] / median
}

// ArgMax returns the index of the largest value in xs.
func ArgMax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

// ParabolicRefine computes a sub-sample peak offset via parabolic
// interpolation on the three samples around the max, bounded to
// |delta| <= 0.5. If the surrounding samples are degenerate (flat or
// inverted), it falls back to the integer peak.
func ParabolicRefine(corr []float64, peakIdx int) float64 {
	if peakIdx <= 0 || peakIdx >= len(corr)-1 {
		return 0
	}
	yMinus1 := corr[peakIdx-1]
	y0 := corr[peakIdx]
	yPlus1 := corr[peakIdx+1]

	denom := yMinus1 - 2*y0 + yPlus1
	if denom == 0 {
		return 0
	}
	delta := 0.5 * (yMinus1 - yPlus1) / denom
	if delta > 0.5 || delta < -0.5 {
		return 0
	}
	return delta
}
