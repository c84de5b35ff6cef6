package clockoffset

import (
	"math"
	"testing"
	"time"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deterministicNoise returns a reproducible pseudo-Gaussian sequence
// without using math/rand (kept out to avoid a nondeterministic test);
// it sums several sinusoids at incommensurate frequencies, which by the
// central limit intuition approximates white noise with bounded stddev.
func deterministicNoise(i int, sigma float64) float64 {
	x := float64(i)
	v := math.Sin(x*0.913) + math.Sin(x*1.777) + math.Sin(x*2.618) + math.Sin(x*3.141)
	return v / math.Sqrt2 * sigma
}

func TestFilterConvergesAfter30Measurements(t *testing.T) {
	f := NewFilter()
	const trueOffset = 12.5
	const sigma = 2.0

	for i := 0; i < 30; i++ {
		m := trueOffset + deterministicNoise(i, sigma)
		_, _, _, ok := f.Update(m)
		require.True(t, ok)
	}

	_, uncertainty, state, ok := f.Update(trueOffset)
	require.True(t, ok)
	assert.Equal(t, StateLocked, state)
	assert.LessOrEqual(t, uncertainty, 1.0)
}

func TestFilterStartsAcquiring(t *testing.T) {
	f := NewFilter()
	assert.Equal(t, StateAcquiring, f.State())
}

func TestFilterRejectsFiveSigmaAnomaly(t *testing.T) {
	f := NewFilter()
	for i := 0; i < 15; i++ {
		f.Update(10 + deterministicNoise(i, 1))
	}
	_, _, _, ok := f.Update(10000)
	assert.False(t, ok)
}

func TestGradeFromUncertainty(t *testing.T) {
	assert.Equal(t, GradeA, gradeFromUncertainty(0.5))
	assert.Equal(t, GradeB, gradeFromUncertainty(2))
	assert.Equal(t, GradeC, gradeFromUncertainty(5))
	assert.Equal(t, GradeD, gradeFromUncertainty(50))
}

func TestMeasurementZeroWhenNoDelay(t *testing.T) {
	boundary := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	model := PropagationModel{ReceiverLat: 40.6813, ReceiverLon: -105.0422} // at WWV itself
	arrival := boundary.Add(time.Duration((ModeDelayMs("1hop_E") + IonoDelayMs(1000, boundary.Hour())) * float64(time.Millisecond)))

	d := Measurement(channel.StationWWV, 1000, arrival, boundary, "1hop_E", model)
	assert.InDelta(t, 0, d, 1.0)
}

func TestFusionWeightsByQuality(t *testing.T) {
	fc := NewFusionCalibration()
	samples := []BroadcastSample{
		{Station: channel.StationWWV, DClockMs: 1.0, SNRDB: 20, QualityGrade: GradeA, ModePrior: 1.0},
		{Station: channel.StationWWVH, DClockMs: 50.0, SNRDB: 2, QualityGrade: GradeD, ModePrior: 1.0},
	}
	fused, _, ok := fc.Fuse(samples)
	require.True(t, ok)
	assert.Less(t, fused, 10.0) // dominated by the higher-quality WWV sample
}
