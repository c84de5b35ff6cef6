// Package channel describes a single radio channel: its identity, its
// nominal acquisition parameters and the tone schedule that applies to it.
package channel

import (
	"fmt"
	"regexp"
	"strings"
)

// Station identifies a time-signal broadcaster.
type Station string

const (
	StationWWV  Station = "WWV"
	StationWWVH Station = "WWVH"
	StationCHU  Station = "CHU"
)

var nonWordRE = regexp.MustCompile(`[^a-z0-9]+`)

// Name holds the three canonical forms of a channel's identity.
// It is constructed once from the human form and never mutated.
type Name struct {
	human    string // "WWV 10 MHz"
	dirSafe  string // "wwv_10_mhz"
	key      string // "wwv10mhz"
}

// NewName derives the directory-safe and key forms from the human name.
func NewName(human string) Name {
	lower := strings.ToLower(strings.TrimSpace(human))
	dirSafe := nonWordRE.ReplaceAllString(lower, "_")
	dirSafe = strings.Trim(dirSafe, "_")
	key := strings.ReplaceAll(dirSafe, "_", "")
	return Name{human: human, dirSafe: dirSafe, key: key}
}

func (n Name) Human() string   { return n.human }
func (n Name) DirSafe() string { return n.dirSafe }
func (n Name) Key() string     { return n.key }
func (n Name) String() string  { return n.human }

// ToneSchedule names the per-minute tone durations and frequencies
// applicable to a channel. These are config-driven since the underlying
// stations mix 800ms/500ms marker durations; they are plumbed explicitly
// here rather than unified into one constant.
type ToneSchedule struct {
	// WWVToneHz is WWV's minute-marker tone frequency, 1000 Hz, distinct
	// from WWVH's 1200 Hz tone in WWVHToneHz below.
	WWVToneHz      float64
	WWVHToneHz     float64
	CHUToneHz      float64
	WWVWWVHDurMs   int // 800ms nominal WWV/WWVH tone burst
	CHUDurMs       int // 500ms nominal CHU tone burst
}

// DefaultToneSchedule matches the NIST/NRC published tone characteristics.
func DefaultToneSchedule() ToneSchedule {
	return ToneSchedule{
		WWVToneHz:    1000,
		WWVHToneHz:   1200,
		CHUToneHz:    1000,
		WWVWWVHDurMs: 800,
		CHUDurMs:     500,
	}
}

// Config is the per-channel record supplied by the operator.
type Config struct {
	Name              Name
	SampleRate        int // Hz, typically 16000 or 20000
	CenterFrequencyHz float64
	ExpectedStations  []Station
	BlocktimeMs       int // default 20
	MaxGapSeconds     int // default 60
	Tones             ToneSchedule

	// ReceiverLat/Lon feed the BCD discrimination geographic-delay method
	// and the clock-offset estimator's great-circle path delay.
	ReceiverLatDeg float64
	ReceiverLonDeg float64
}

// SamplesPerPacket is `sample_rate * blocktime_ms / 1000`.
func (c Config) SamplesPerPacket() int {
	return c.SampleRate * c.BlocktimeMs / 1000
}

// SamplesPerMinute is the exact sample count of a finalized Segment.
func (c Config) SamplesPerMinute() int {
	return c.SampleRate * 60
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("channel %s: sample_rate must be positive", c.Name)
	}
	if c.BlocktimeMs <= 0 {
		return fmt.Errorf("channel %s: blocktime_ms must be positive", c.Name)
	}
	if c.MaxGapSeconds <= 0 {
		return fmt.Errorf("channel %s: max_gap_seconds must be positive", c.Name)
	}
	if len(c.ExpectedStations) == 0 {
		return fmt.Errorf("channel %s: expected_stations must not be empty", c.Name)
	}
	return nil
}

func DefaultConfig(human string, sampleRate int) Config {
	return Config{
		Name:          NewName(human),
		SampleRate:    sampleRate,
		BlocktimeMs:   20,
		MaxGapSeconds: 60,
		Tones:         DefaultToneSchedule(),
	}
}
