// Package tonedetect runs matched-filter detection of WWV/WWVH/CHU
// minute-marker tones with sub-sample peak refinement.
package tonedetect

import (
	"math"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/dsp"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// Detection is one matched-filter tone hit.
type Detection struct {
	Station           channel.Station
	ToneFreqHz        float64
	RTPOnset          uint32
	SubSampleRefinement float64
	SNRDB             float64
	TonePowerDB       float64
	TimingErrorMs     float64
	Confidence        float64
}

// Params tunes one station's template and threshold.
type Params struct {
	Station       channel.Station
	ToneHz        float64
	DurationMs    int
	DecimatedRate int // low-rate band the tone is resampled into, e.g. 3000
	PeakThreshold float64
	NoiseLoHz     float64
	NoiseHiHz     float64
}

// DefaultParams returns the nominal detection parameters for the
// given channel's tone schedule. Stations sharing a frequency (2.5/5/10/
// 15 MHz) are represented by independent Params so both are correlated
// independently.
func DefaultParams(stations []channel.Station, tones channel.ToneSchedule) []Params {
	out := make([]Params, 0, len(stations))
	for _, st := range stations {
		switch st {
		case channel.StationWWV:
			out = append(out, Params{
				Station: st, ToneHz: tones.WWVToneHz, DurationMs: tones.WWVWWVHDurMs,
				DecimatedRate: 3000, PeakThreshold: 4.0, NoiseLoHz: 1350, NoiseHiHz: 1450,
			})
		case channel.StationWWVH:
			out = append(out, Params{
				Station: st, ToneHz: tones.WWVHToneHz, DurationMs: tones.WWVWWVHDurMs,
				DecimatedRate: 3000, PeakThreshold: 4.0, NoiseLoHz: 1350, NoiseHiHz: 1450,
			})
		case channel.StationCHU:
			out = append(out, Params{
				Station: st, ToneHz: tones.CHUToneHz, DurationMs: tones.CHUDurMs,
				DecimatedRate: 3000, PeakThreshold: 4.0, NoiseLoHz: 1350, NoiseHiHz: 1450,
			})
		}
	}
	return out
}

// Detector runs the matched filter for a fixed set of station params
// against whatever sample slice Detect is given.
type Detector struct {
	params     []Params
	sampleRate int
}

func New(sampleRate int, params []Params) *Detector {
	return &Detector{params: params, sampleRate: sampleRate}
}

// Detect returns zero or more Detections.
func (d *Detector) Detect(firstSampleRTP uint32, samples []rtppkt.Complex) []Detection {
	var out []Detection
	for _, p := range d.params {
		if det, ok := d.detectOne(firstSampleRTP, samples, p); ok {
			out = append(out, det)
		}
	}
	return out
}

func (d *Detector) detectOne(firstSampleRTP uint32, samples []rtppkt.Complex, p Params) (Detection, bool) {
	decimationFactor := d.sampleRate / p.DecimatedRate
	if decimationFactor < 1 {
		decimationFactor = 1
	}
	// Decimate keeps every decimationFactor-th sample, so the decimated
	// stream's real rate is sampleRate/decimationFactor, which differs
	// from p.DecimatedRate when that does not divide the native rate.
	rate := d.sampleRate / decimationFactor
	decimated := dsp.Decimate(samples, d.sampleRate, p.DecimatedRate)
	tmpl := buildTemplate(p.ToneHz, rate, p.DurationMs)

	corr := dsp.CrossCorrelate(decimated, tmpl)
	if len(corr) == 0 {
		return Detection{}, false
	}

	peak := dsp.ArgMax(corr)
	ratio := dsp.PeakToMedianRatio(corr, peak)
	if ratio < p.PeakThreshold {
		return Detection{}, false
	}

	delta := dsp.ParabolicRefine(corr, peak)

	onsetInSamplesDecimated := float64(peak) + delta
	onsetInSamplesNative := onsetInSamplesDecimated * float64(decimationFactor)

	rtpOnset := firstSampleRTP + uint32(onsetInSamplesNative)

	snr := dsp.SNRDB(decimated, rate, p.ToneHz, p.NoiseLoHz, p.NoiseHiHz)
	tonePower := dsp.BandPowerDB(decimated, rate, p.ToneHz-5, p.ToneHz+5)

	expectedOnsetSec := 0.0
	actualOnsetSec := onsetInSamplesNative / float64(d.sampleRate)
	timingErrorMs := (actualOnsetSec - expectedOnsetSec) * 1000

	confidence := confidenceFromSNR(snr)

	return Detection{
		Station:             p.Station,
		ToneFreqHz:          p.ToneHz,
		RTPOnset:            rtpOnset,
		SubSampleRefinement: delta,
		SNRDB:               snr,
		TonePowerDB:         tonePower,
		TimingErrorMs:       timingErrorMs,
		Confidence:          confidence,
	}, true
}

// buildTemplate constructs a tone-burst envelope modulated to freqHz,
// length equal to the nominal tone duration.
func buildTemplate(freqHz float64, sampleRate int, durationMs int) []rtppkt.Complex {
	n := sampleRate * durationMs / 1000
	out := make([]rtppkt.Complex, n)
	for i := 0; i < n; i++ {
		// Raised-cosine envelope over the burst avoids spectral splatter
		// at the edges, matching how a real tone-keyed carrier ramps.
		env := 1.0
		rampSamples := n / 20
		if i < rampSamples {
			env = 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(rampSamples)))
		} else if i >= n-rampSamples {
			env = 0.5 * (1 - math.Cos(math.Pi*float64(n-1-i)/float64(rampSamples)))
		}
		phase := 2 * math.Pi * freqHz * float64(i) / float64(sampleRate)
		out[i] = complex(float32(env*math.Cos(phase)), float32(env*math.Sin(phase)))
	}
	return out
}

func confidenceFromSNR(snrDB float64) float64 {
	// Linear ramp: 0dB -> 0 confidence, 30dB -> 1.0 confidence, clamped.
	c := snrDB / 30.0
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
