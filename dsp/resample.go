// Package dsp holds the shared signal-processing primitives used by the
// tone detector and discriminator.
package dsp

import (
	"math"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
)

// Decimate low-pass filters and downsamples a complex baseband stream
// from inRate to outRate. inRate must be an integer multiple of outRate;
// this system only ever decimates from the channel's native sample rate
// (16/20kHz) down to a few kHz for tone/subcarrier isolation, so a
// simple FIR low-pass followed by integer downsampling is sufficient —
// there is no library in the retrieval pack offering complex-baseband
// rational resampling, so this is hand-rolled (see DESIGN.md).
func Decimate(samples []rtppkt.Complex, inRate, outRate int) []rtppkt.Complex {
	if outRate <= 0 || inRate <= 0 || inRate < outRate {
		return append([]rtppkt.Complex(nil), samples...)
	}
	factor := inRate / outRate
	if factor <= 1 {
		return append([]rtppkt.Complex(nil), samples...)
	}

	taps := lowPassFIR(factor)
	filtered := convolveComplex(samples, taps)

	out := make([]rtppkt.Complex, 0, len(filtered)/factor+1)
	for i := 0; i < len(filtered); i += factor {
		out = append(out, filtered[i])
	}
	return out
}

// lowPassFIR returns a simple windowed-sinc low-pass FIR sized to the
// decimation factor, with a cutoff at the new Nyquist rate.
func lowPassFIR(factor int) []float64 {
	n := factor*6 + 1
	if n%2 == 0 {
		n++
	}
	taps := make([]float64, n)
	mid := n / 2
	cutoff := 1.0 / float64(factor)
	var sum float64
	for i := 0; i < n; i++ {
		k := i - mid
		var sinc float64
		if k == 0 {
			sinc = cutoff
		} else {
			x := math.Pi * cutoff * float64(k)
			sinc = math.Sin(x) / (math.Pi * float64(k))
		}
		// Hamming window
		w := 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		taps[i] = sinc * w
		sum += taps[i]
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

func convolveComplex(x []rtppkt.Complex, taps []float64) []rtppkt.Complex {
	n := len(x)
	m := len(taps)
	out := make([]rtppkt.Complex, n)
	half := m / 2
	for i := 0; i < n; i++ {
		var accR, accI float64
		for k := 0; k < m; k++ {
			idx := i + k - half
			if idx < 0 || idx >= n {
				continue
			}
			accR += float64(real(x[idx])) * taps[k]
			accI += float64(imag(x[idx])) * taps[k]
		}
		out[i] = complex(float32(accR), float32(accI))
	}
	return out
}
