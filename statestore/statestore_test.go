package statestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadChannelRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	st := ChannelState{
		RTPTSAnchor:        12345,
		UTCAnchorUnix:      1700000000,
		PPMOffset:          1.25,
		PPMConfidence:      0.8,
		KalmanEstimateMs:   3.2,
		KalmanVarianceMs2:  0.5,
		KalmanMeasurements: 40,
		KalmanState:        "LOCKED",
	}
	require.NoError(t, s.SaveChannel("CH1", st))

	loaded, ok, err := s.LoadChannel("CH1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.RTPTSAnchor, loaded.RTPTSAnchor)
	assert.Equal(t, st.PPMOffset, loaded.PPMOffset)
	assert.Equal(t, schemaVersion, loaded.SchemaVersion)
}

func TestLoadMissingChannelReturnsNotOK(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.LoadChannel("MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateRejectsOutOfRangePPM(t *testing.T) {
	st := ChannelState{SchemaVersion: schemaVersion, PPMOffset: 99999}
	assert.ErrorIs(t, st.Validate(), ErrInvalidState)
}

func TestValidateRejectsWrongSchemaVersion(t *testing.T) {
	st := ChannelState{SchemaVersion: 99}
	assert.ErrorIs(t, st.Validate(), ErrVersionMismatch)
}

func TestResetChannelRemovesState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.SaveChannel("CH1", ChannelState{}))

	require.NoError(t, s.ResetChannel("CH1"))

	_, ok, err := s.LoadChannel("CH1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFusionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	st := FusionState{Calibration: map[string]float64{"WWV": 0.5, "WWVH": -0.3}}
	require.NoError(t, s.SaveFusion(st))

	loaded, ok, err := s.LoadFusion()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.5, loaded.Calibration["WWV"])
}
