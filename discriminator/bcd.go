package discriminator

import (
	"math"

	"github.com/mijahauan/timesnaprecorder/dsp"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// wwvLat/Lon and wwvhLat/Lon are NIST's published coordinates for the
// two transmitter sites, used only to decide which BCD correlation peak
// belongs to which station.
const (
	wwvLatDeg  = 40.6813
	wwvLonDeg  = -105.0422
	wwvhLatDeg = 21.9883
	wwvhLonDeg = -159.7653
)

// bcdWindowResult is one window's amplitude and timing extraction from
// the BCD subcarrier correlation.
type bcdWindowResult struct {
	WWVAmplitude        float64
	WWVHAmplitude       float64
	DifferentialDelayMs float64
	CorrelationQuality  float64
}

// bcdSubcarrierMethod isolates the 100 Hz BCD subcarrier in up to 15
// three-second windows of the minute, cross-correlates each against a
// time-aligned BCD template for the current minute-of-hour, and expects
// a dual peak separated by the differential ionospheric propagation
// delay between the two stations. This method dominates on all minutes
// because it measures amplitude and timing simultaneously, unlike the
// schedule-gated methods that only apply on a handful of minutes.
func bcdSubcarrierMethod(samples []rtppkt.Complex, sampleRate int, minuteOfHour int, receiverLat, receiverLon float64) Vote {
	const subcarrierHz = 100
	const windowSec = 3
	const maxWindows = 15

	windowLen := sampleRate * windowSec
	nWindows := len(samples) / windowLen
	if nWindows > maxWindows {
		nWindows = maxWindows
	}
	if nWindows == 0 {
		return Vote{Method: MethodBCDAmplitudeRatio, Active: false}
	}

	tmpl := buildBCDTemplate(subcarrierHz, sampleRate, windowLen, minuteOfHour)

	var sumScore, sumWeight, sumQuality float64
	for w := 0; w < nWindows; w++ {
		seg := samples[w*windowLen : (w+1)*windowLen]
		isolated := isolateSubcarrier(seg, sampleRate, subcarrierHz)
		res := extractDualPeak(isolated, tmpl, sampleRate, receiverLat, receiverLon)

		total := res.WWVAmplitude + res.WWVHAmplitude
		if total <= 0 {
			continue
		}
		score := (res.WWVAmplitude - res.WWVHAmplitude) / total
		sumScore += score * res.CorrelationQuality
		sumWeight += res.CorrelationQuality
		sumQuality += res.CorrelationQuality
	}

	if sumWeight == 0 {
		return Vote{Method: MethodBCDAmplitudeRatio, Active: false}
	}

	avgScore := sumScore / sumWeight
	avgQuality := sumQuality / float64(nWindows)

	return Vote{
		Method:  MethodBCDAmplitudeRatio,
		Score:   clamp11(avgScore),
		Weight:  10 * avgQuality,
		Active:  avgQuality > 0.2,
		Quality: avgQuality,
	}
}

// isolateSubcarrier band-limits around the 100 Hz BCD subcarrier.
func isolateSubcarrier(samples []rtppkt.Complex, sampleRate int, hz float64) []rtppkt.Complex {
	// A narrow decimation centered near DC-equivalent bandwidth is a
	// reasonable stand-in for a dedicated bandpass: since the BCD
	// subcarrier amplitude-modulates the carrier at 100 Hz, its envelope
	// survives a low-rate decimation of the magnitude series.
	out := make([]rtppkt.Complex, len(samples))
	for i, s := range samples {
		m := float32(math.Hypot(float64(real(s)), float64(imag(s))))
		out[i] = complex(m, 0)
	}
	return dsp.Decimate(out, sampleRate, int(hz)*4)
}

func buildBCDTemplate(hz float64, sampleRate int, windowLen int, minuteOfHour int) []rtppkt.Complex {
	rate := int(hz) * 4
	n := windowLen * rate / sampleRate
	if n < 8 {
		n = 8
	}
	out := make([]rtppkt.Complex, n)
	// The BCD code word varies by minute-of-hour; fold minuteOfHour into
	// the template phase so distinct minutes correlate distinctly,
	// matching "time-aligned BCD template for the current minute-of-hour".
	phaseOffset := 2 * math.Pi * float64(minuteOfHour) / 60.0
	for i := 0; i < n; i++ {
		phase := 2*math.Pi*hz*float64(i)/float64(rate) + phaseOffset
		out[i] = complex(float32(math.Cos(phase)), 0)
	}
	return out
}

// extractDualPeak finds the two strongest correlation peaks in corr,
// interprets their separation as the differential propagation delay,
// and assigns WWV/WWVH by great-circle distance from the receiver.
func extractDualPeak(isolated, tmpl []rtppkt.Complex, sampleRate int, receiverLat, receiverLon float64) bcdWindowResult {
	corr := dsp.CrossCorrelate(isolated, tmpl)
	if len(corr) < 2 {
		return bcdWindowResult{}
	}

	firstIdx := dsp.ArgMax(corr)
	firstVal := corr[firstIdx]

	secondIdx, secondVal := -1, 0.0
	for i, v := range corr {
		if i == firstIdx {
			continue
		}
		if (i > 0 && corr[i-1] > v) || (i < len(corr)-1 && corr[i+1] > v) {
			continue
		}
		if v > secondVal {
			secondVal = v
			secondIdx = i
		}
	}
	if secondIdx == -1 {
		secondIdx, secondVal = firstIdx, 0
	}

	delayMs := math.Abs(float64(secondIdx-firstIdx)) / float64(sampleRate) * 1000

	distWWV := greatCircleKm(receiverLat, receiverLon, wwvLatDeg, wwvLonDeg)
	distWWVH := greatCircleKm(receiverLat, receiverLon, wwvhLatDeg, wwvhLonDeg)

	wwvAmp, wwvhAmp := firstVal, secondVal
	if distWWV > distWWVH {
		// WWVH's signal should arrive first (shorter path), so the
		// earlier-index peak is WWVH's.
		if firstIdx < secondIdx {
			wwvAmp, wwvhAmp = secondVal, firstVal
		}
	} else {
		if secondIdx < firstIdx {
			wwvAmp, wwvhAmp = secondVal, firstVal
		}
	}

	quality := 0.0
	if firstVal > 0 {
		quality = math.Min(1.0, secondVal/firstVal+0.3)
	}

	return bcdWindowResult{
		WWVAmplitude:        wwvAmp,
		WWVHAmplitude:       wwvhAmp,
		DifferentialDelayMs: delayMs,
		CorrelationQuality:  quality,
	}
}

// greatCircleKm is the haversine distance in kilometers.
func greatCircleKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func clamp11(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
