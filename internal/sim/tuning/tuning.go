// Package tuning holds the server-side knobs operators may override via
// tuning.yaml. Region geometry and biology profiles are compiled into the
// world package; everything here affects pacing, capacity and enforcement,
// not the physics model itself.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz     int `yaml:"tick_rate_hz"`
	SnapshotRateHz int `yaml:"snapshot_rate_hz"`

	MaxPlayersPerRoom int `yaml:"max_players_per_room"`
	InterestNearest   int `yaml:"interest_nearest"`

	CountdownMs int `yaml:"countdown_ms"`

	Inputs InputLimits  `yaml:"inputs"`
	Desync DesyncPolicy `yaml:"desync"`
}

// InputLimits bounds inbound input traffic per session.
type InputLimits struct {
	MinIntervalMs int `yaml:"min_interval_ms"`
	MaxBatch      int `yaml:"max_batch"`
	MaxBuffered   int `yaml:"max_buffered"`
}

// DesyncPolicy sets the degraded/kick thresholds, in seconds of tick lag
// between the server tick and a player's last accepted input tick.
type DesyncPolicy struct {
	SoftSeconds int `yaml:"soft_seconds"`
	HardSeconds int `yaml:"hard_seconds"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz:        20,
		SnapshotRateHz:    12,
		MaxPlayersPerRoom: 120,
		InterestNearest:   24,
		CountdownMs:       3000,
		Inputs: InputLimits{
			MinIntervalMs: 15,
			MaxBatch:      32,
			MaxBuffered:   12,
		},
		Desync: DesyncPolicy{
			SoftSeconds: 2,
			HardSeconds: 6,
		},
	}
}

// Load reads tuning.yaml, applying defaults for any field left zero.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.fillDefaults()
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

func (t *Tuning) fillDefaults() {
	d := Defaults()
	if t.TickRateHz == 0 {
		t.TickRateHz = d.TickRateHz
	}
	if t.SnapshotRateHz == 0 {
		t.SnapshotRateHz = d.SnapshotRateHz
	}
	if t.MaxPlayersPerRoom == 0 {
		t.MaxPlayersPerRoom = d.MaxPlayersPerRoom
	}
	if t.InterestNearest == 0 {
		t.InterestNearest = d.InterestNearest
	}
	if t.CountdownMs == 0 {
		t.CountdownMs = d.CountdownMs
	}
	if t.Inputs.MinIntervalMs == 0 {
		t.Inputs.MinIntervalMs = d.Inputs.MinIntervalMs
	}
	if t.Inputs.MaxBatch == 0 {
		t.Inputs.MaxBatch = d.Inputs.MaxBatch
	}
	if t.Inputs.MaxBuffered == 0 {
		t.Inputs.MaxBuffered = d.Inputs.MaxBuffered
	}
	if t.Desync.SoftSeconds == 0 {
		t.Desync.SoftSeconds = d.Desync.SoftSeconds
	}
	if t.Desync.HardSeconds == 0 {
		t.Desync.HardSeconds = d.Desync.HardSeconds
	}
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 || t.TickRateHz > 120 {
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	}
	if t.SnapshotRateHz <= 0 || t.SnapshotRateHz > t.TickRateHz {
		return fmt.Errorf("snapshot_rate_hz must be in (0, tick_rate_hz]: %d", t.SnapshotRateHz)
	}
	if t.Desync.HardSeconds < t.Desync.SoftSeconds {
		return fmt.Errorf("desync hard_seconds (%d) below soft_seconds (%d)", t.Desync.HardSeconds, t.Desync.SoftSeconds)
	}
	return nil
}

// TickMs is the tick interval in whole milliseconds.
func (t Tuning) TickMs() int { return 1000 / t.TickRateHz }

// SnapshotMs is the snapshot interval in whole milliseconds.
func (t Tuning) SnapshotMs() int { return 1000 / t.SnapshotRateHz }
