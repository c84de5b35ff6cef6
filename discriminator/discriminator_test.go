package discriminator

import (
	"math"
	"testing"
	"time"

	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSampleRate = 3000

func toneSamples(hz float64, n int, sampleRate int, amplitude float32) []rtppkt.Complex {
	out := make([]rtppkt.Complex, n)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * hz * float64(i) / float64(sampleRate)
		out[i] = complex(amplitude*float32(math.Cos(phase)), amplitude*float32(math.Sin(phase)))
	}
	return out
}

func mixSamples(a, b []rtppkt.Complex) []rtppkt.Complex {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]rtppkt.Complex, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] + b[i]
	}
	return out
}

func TestDiscriminateIdempotent(t *testing.T) {
	n := testSampleRate * 60
	samples := mixSamples(
		toneSamples(1000, n, testSampleRate, 1.0),
		toneSamples(1200, n, testSampleRate, 0.2),
	)
	marker := samples[:testSampleRate]
	minuteUTC := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	p := Params{ReceiverLat: 39.0, ReceiverLon: -104.0}

	d1 := Discriminate(samples, marker, testSampleRate, minuteUTC, p)
	d2 := Discriminate(samples, marker, testSampleRate, minuteUTC, p)

	require.Equal(t, len(d1.Votes), len(d2.Votes))
	for i := range d1.Votes {
		assert.Equal(t, d1.Votes[i], d2.Votes[i])
	}
	assert.Equal(t, d1.Dominant, d2.Dominant)
	assert.Equal(t, d1.Confidence, d2.Confidence)
}

func TestDiscriminateLeansWWVWhenLouder(t *testing.T) {
	n := testSampleRate * 60
	samples := mixSamples(
		toneSamples(1000, n, testSampleRate, 1.0),
		toneSamples(1200, n, testSampleRate, 0.1),
	)
	marker := samples[:testSampleRate]
	minuteUTC := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	p := Params{ReceiverLat: 39.0, ReceiverLon: -104.0}

	d := Discriminate(samples, marker, testSampleRate, minuteUTC, p)

	assert.NotEqual(t, DominantWWVH, d.Dominant)
}

func TestGroundTruthOnlyAppliesOnExclusiveMinutes(t *testing.T) {
	assert.True(t, isWWVExclusive(1))
	assert.True(t, isWWVExclusive(16))
	assert.True(t, isWWVExclusive(17))
	assert.True(t, isWWVExclusive(19))
	assert.False(t, isWWVExclusive(30))

	assert.True(t, isWWVHExclusive(2))
	assert.True(t, isWWVHExclusive(43))
	assert.True(t, isWWVHExclusive(51))
	assert.False(t, isWWVHExclusive(52))
}

func TestStationID440OnlyOnMinutesOneAndTwo(t *testing.T) {
	n := testSampleRate * 60
	samples := toneSamples(440, n, testSampleRate, 1.0)

	v1 := stationID440Method(samples, testSampleRate, 1)
	v2 := stationID440Method(samples, testSampleRate, 2)
	v3 := stationID440Method(samples, testSampleRate, 30)

	assert.True(t, v1.Active)
	assert.True(t, v2.Active)
	assert.False(t, v3.Active)
	assert.Negative(t, v1.Score)
	assert.Positive(t, v2.Score)
}
