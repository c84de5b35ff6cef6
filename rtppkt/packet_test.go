package rtppkt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff32Wraparound(t *testing.T) {
	// ts just after wrap should read as a small positive delta from ts
	// just before wrap.
	before := uint32(math.MaxUint32 - 10)
	after := uint32(5)

	got := Diff32(after, before)
	assert.Equal(t, int32(16), got)
	assert.True(t, !Before32(after, before))
}

func TestBefore32(t *testing.T) {
	assert.True(t, Before32(100, 200))
	assert.False(t, Before32(200, 100))
	assert.False(t, Before32(100, 100))
}

func TestIQPayloadRoundTrip(t *testing.T) {
	samples := []Complex{
		complex(0.5, -0.25),
		complex(-1.0, 1.0),
		complex(0, 0),
	}
	payload := EncodeIQPayload(samples)
	decoded, err := decodeIQPayload(payload)
	assert.NoError(t, err)
	assert.Len(t, decoded, len(samples))
	for i := range samples {
		assert.InDelta(t, real(samples[i]), real(decoded[i]), 1e-3)
		assert.InDelta(t, imag(samples[i]), imag(decoded[i]), 1e-3)
	}
}
