package dsp

import (
	"math"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"gonum.org/v1/gonum/dsp/fourier"
)

// BandPowerDB computes the mean power, in dB, of the frequency band
// [loHz, hiHz) of samples sampled at sampleRate, via a complex-to-complex
// FFT over the raw I/Q samples themselves. A pure complex tone
// A*e^{jwt} carries all of its energy at its own frequency bin; taking
// the magnitude of each sample first (as a real FFT over |I+jQ| would
// require) collapses that back down to a constant and throws the
// frequency information away before the transform ever runs. Grounded
// on gonum's dsp/fourier complex-FFT transform, wired here (rather than
// a hand-rolled DFT) for spectral estimation the way the retrieval
// pack's SDR/telemetry repos lean on gonum for numeric work.
func BandPowerDB(samples []rtppkt.Complex, sampleRate int, loHz, hiHz float64) float64 {
	n := len(samples)
	in := make([]complex128, n)
	for i, s := range samples {
		in[i] = complex128(s)
	}
	fft := fourier.NewCmplxFFT(n)
	coeffs := fft.Coefficients(nil, in)

	var sumPower float64
	var count int
	for i, c := range coeffs {
		f := fft.Freq(i) * float64(sampleRate)
		if f < loHz || f >= hiHz {
			continue
		}
		p := real(c)*real(c) + imag(c)*imag(c)
		sumPower += p
		count++
	}
	if count == 0 {
		return math.Inf(-1)
	}
	meanPower := sumPower / float64(count)
	if meanPower <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(meanPower)
}

// SNRDB computes in-band vs. adjacent-band power ratio.
// noiseLoHz/noiseHiHz should straddle a band clear of the 100 Hz BCD
// modulation sidebands around the tone frequency.
func SNRDB(samples []rtppkt.Complex, sampleRate int, toneHz, noiseLoHz, noiseHiHz float64) float64 {
	signal := BandPowerDB(samples, sampleRate, toneHz-5, toneHz+5)
	noise := BandPowerDB(samples, sampleRate, noiseLoHz, noiseHiHz)
	if math.IsInf(noise, -1) {
		return signal
	}
	return signal - noise
}
