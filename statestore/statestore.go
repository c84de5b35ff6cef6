// Package statestore persists per-channel TimeSnap/PPM/Kalman state and
// the cross-channel fusion calibration to disk as versioned JSON, so a
// restart resumes from where discipline left off instead of
// re-acquiring from a cold start.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// schemaVersion is bumped whenever the on-disk shape changes
// incompatibly. Loading a file with a different version is treated as
// corrupt state: the caller restarts acquisition rather than risk
// feeding a stale or mis-shaped value into the Kalman filter.
const schemaVersion = 1

var ErrVersionMismatch = errors.New("statestore: schema version mismatch")
var ErrInvalidState = errors.New("statestore: state failed range validation")

// ChannelState is the persisted snapshot for one channel.
type ChannelState struct {
	SchemaVersion int `json:"schema_version"`

	RTPTSAnchor   uint32  `json:"rtp_ts_anchor"`
	UTCAnchorUnix float64 `json:"utc_anchor_unix"`
	PPMOffset     float64 `json:"ppm_offset"`
	PPMConfidence float64 `json:"ppm_confidence"`

	KalmanEstimateMs   float64 `json:"kalman_estimate_ms"`
	KalmanVarianceMs2  float64 `json:"kalman_variance_ms2"`
	KalmanMeasurements int     `json:"kalman_measurements"`
	KalmanState        string  `json:"kalman_state"`
}

// Validate range-checks a loaded ChannelState before it is trusted.
func (s ChannelState) Validate() error {
	if s.SchemaVersion != schemaVersion {
		return ErrVersionMismatch
	}
	if s.PPMOffset < -1000 || s.PPMOffset > 1000 {
		return fmt.Errorf("%w: ppm_offset %v out of range", ErrInvalidState, s.PPMOffset)
	}
	if s.PPMConfidence < 0 || s.PPMConfidence > 1 {
		return fmt.Errorf("%w: ppm_confidence %v out of range", ErrInvalidState, s.PPMConfidence)
	}
	if s.KalmanVarianceMs2 < 0 {
		return fmt.Errorf("%w: negative kalman variance", ErrInvalidState)
	}
	return nil
}

// FusionState is the persisted per-station additive calibration used by
// multi-broadcast fusion.
type FusionState struct {
	SchemaVersion int                `json:"schema_version"`
	Calibration   map[string]float64 `json:"calibration_ms"`
}

func (s FusionState) Validate() error {
	if s.SchemaVersion != schemaVersion {
		return ErrVersionMismatch
	}
	for station, v := range s.Calibration {
		if v < -1000 || v > 1000 {
			return fmt.Errorf("%w: calibration for %s out of range", ErrInvalidState, station)
		}
	}
	return nil
}

// Store reads/writes the state files for a directory of channels.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) channelPath(channelKey string) string {
	return filepath.Join(s.dir, channelKey+"_state.json")
}

func (s *Store) fusionPath() string {
	return filepath.Join(s.dir, "fusion_calibration.json")
}

// LoadChannel loads and validates one channel's state. A missing file is
// not an error: it returns the zero state with ok=false so the caller
// starts fresh acquisition.
func (s *Store) LoadChannel(channelKey string) (ChannelState, bool, error) {
	data, err := os.ReadFile(s.channelPath(channelKey))
	if errors.Is(err, os.ErrNotExist) {
		return ChannelState{}, false, nil
	}
	if err != nil {
		return ChannelState{}, false, err
	}

	var st ChannelState
	if err := json.Unmarshal(data, &st); err != nil {
		return ChannelState{}, false, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := st.Validate(); err != nil {
		return ChannelState{}, false, err
	}
	return st, true, nil
}

// SaveChannel writes one channel's state, stamping the current schema
// version.
func (s *Store) SaveChannel(channelKey string, st ChannelState) error {
	st.SchemaVersion = schemaVersion
	return writeJSONAtomic(s.channelPath(channelKey), st)
}

// LoadFusion loads and validates the fusion calibration file.
func (s *Store) LoadFusion() (FusionState, bool, error) {
	data, err := os.ReadFile(s.fusionPath())
	if errors.Is(err, os.ErrNotExist) {
		return FusionState{Calibration: map[string]float64{}}, false, nil
	}
	if err != nil {
		return FusionState{}, false, err
	}

	var st FusionState
	if err := json.Unmarshal(data, &st); err != nil {
		return FusionState{}, false, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := st.Validate(); err != nil {
		return FusionState{}, false, err
	}
	return st, true, nil
}

func (s *Store) SaveFusion(st FusionState) error {
	st.SchemaVersion = schemaVersion
	return writeJSONAtomic(s.fusionPath(), st)
}

// writeJSONAtomic writes to a temp file and renames over the target so a
// crash mid-write never leaves a half-written, unparseable state file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ResetChannel discards a channel's persisted state, forcing the next
// load to start acquisition cold. Used by the reset-state CLI command.
func (s *Store) ResetChannel(channelKey string) error {
	err := os.Remove(s.channelPath(channelKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
