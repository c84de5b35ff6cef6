package channel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk YAML shape for `run --config <path>`.
type FileConfig struct {
	Channels []yamlChannel `yaml:"channels"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type yamlChannel struct {
	Name              string   `yaml:"name"`
	SampleRate        int      `yaml:"sample_rate"`
	CenterFrequencyHz float64  `yaml:"center_frequency_hz"`
	ExpectedStations  []string `yaml:"expected_stations"`
	BlocktimeMs       int      `yaml:"blocktime_ms"`
	MaxGapSeconds     int      `yaml:"max_gap_seconds"`
	ReceiverLatDeg    float64  `yaml:"receiver_lat_deg"`
	ReceiverLonDeg    float64  `yaml:"receiver_lon_deg"`
	MulticastAddr     string   `yaml:"multicast_addr"`
}

// LoadFile parses a YAML channel-config file into Config records plus the
// raw multicast address each channel's packet source should join.
func LoadFile(path string) ([]Config, map[string]string, MetricsConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, MetricsConfig{}, fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, nil, MetricsConfig{}, fmt.Errorf("parse config: %w", err)
	}

	configs := make([]Config, 0, len(fc.Channels))
	addrs := make(map[string]string, len(fc.Channels))
	for _, yc := range fc.Channels {
		cfg := DefaultConfig(yc.Name, yc.SampleRate)
		if yc.BlocktimeMs > 0 {
			cfg.BlocktimeMs = yc.BlocktimeMs
		}
		if yc.MaxGapSeconds > 0 {
			cfg.MaxGapSeconds = yc.MaxGapSeconds
		}
		cfg.CenterFrequencyHz = yc.CenterFrequencyHz
		cfg.ReceiverLatDeg = yc.ReceiverLatDeg
		cfg.ReceiverLonDeg = yc.ReceiverLonDeg
		for _, s := range yc.ExpectedStations {
			cfg.ExpectedStations = append(cfg.ExpectedStations, Station(s))
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, MetricsConfig{}, err
		}
		configs = append(configs, cfg)
		addrs[cfg.Name.Key()] = yc.MulticastAddr
	}

	return configs, addrs, fc.Metrics, nil
}
