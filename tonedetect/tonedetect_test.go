package tonedetect

import (
	"math"
	"testing"

	"github.com/mijahauan/timesnaprecorder/channel"
	"github.com/mijahauan/timesnaprecorder/rtppkt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticMinute(sampleRate int, toneHz float64, toneOnsetSample int, durationMs int) []rtppkt.Complex {
	n := sampleRate * 60
	out := make([]rtppkt.Complex, n)
	toneLen := sampleRate * durationMs / 1000
	for i := 0; i < toneLen && toneOnsetSample+i < n; i++ {
		phase := 2 * math.Pi * toneHz * float64(i) / float64(sampleRate)
		out[toneOnsetSample+i] = complex(float32(math.Cos(phase)), float32(math.Sin(phase)))
	}
	return out
}

func TestDetectCleanWWVTone(t *testing.T) {
	sampleRate := 20000
	tones := channel.DefaultToneSchedule()
	params := DefaultParams([]channel.Station{channel.StationWWV}, tones)
	det := New(sampleRate, params)

	samples := syntheticMinute(sampleRate, tones.WWVToneHz, 0, tones.WWVWWVHDurMs)

	detections := det.Detect(0, samples[:5*sampleRate])
	require.Len(t, detections, 1)
	assert.Equal(t, channel.StationWWV, detections[0].Station)
	assert.InDelta(t, 0, detections[0].TimingErrorMs, 5)
}

func TestNoDetectionWhenNoTone(t *testing.T) {
	sampleRate := 20000
	tones := channel.DefaultToneSchedule()
	params := DefaultParams([]channel.Station{channel.StationWWV}, tones)
	det := New(sampleRate, params)

	silence := make([]rtppkt.Complex, 5*sampleRate)
	detections := det.Detect(0, silence)
	assert.Empty(t, detections)
}

func TestBothStationsDetectedOnSharedFrequency(t *testing.T) {
	sampleRate := 20000
	tones := channel.DefaultToneSchedule()
	params := DefaultParams([]channel.Station{channel.StationWWV, channel.StationWWVH}, tones)
	det := New(sampleRate, params)

	wwv := syntheticMinute(sampleRate, tones.WWVToneHz, 0, tones.WWVWWVHDurMs)
	wwvh := syntheticMinute(sampleRate, tones.WWVHToneHz, 0, tones.WWVWWVHDurMs)
	mixed := make([]rtppkt.Complex, len(wwv))
	for i := range mixed {
		mixed[i] = wwv[i] + wwvh[i]
	}

	detections := det.Detect(0, mixed[:5*sampleRate])
	assert.Len(t, detections, 2)
}
