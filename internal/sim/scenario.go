package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Script is a deterministic fermentation timeline.
//
// Time is expressed as Go duration strings (e.g. "0s", "36h").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 240h
//	keyframes:
//	  - t: 0s
//	    sg: 1.055
//	    temp_c: 18.0
//	    battery_pct: 100
//	  - t: 72h
//	    sg: 1.020
//	    temp_c: 20.5
//	    battery_pct: 90
//
// Keyframes must be sorted by time and use non-decreasing t values.
type Script struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped state of the wort and the battery.
type Keyframe struct {
	T          time.Duration `yaml:"t"`
	SG         float64       `yaml:"sg"`
	TempC      float64       `yaml:"temp_c"`
	BatteryPct float64       `yaml:"battery_pct"`
}

// DefaultScript is a ten-day ale: 1.055 down to 1.012.
func DefaultScript() Script {
	return Script{
		Version: 1,
		Keyframes: []Keyframe{
			{T: 0, SG: 1.055, TempC: 18.0, BatteryPct: 100},
			{T: 12 * time.Hour, SG: 1.053, TempC: 18.5, BatteryPct: 99},
			{T: 48 * time.Hour, SG: 1.035, TempC: 20.5, BatteryPct: 96},
			{T: 120 * time.Hour, SG: 1.016, TempC: 20.0, BatteryPct: 90},
			{T: 240 * time.Hour, SG: 1.012, TempC: 19.0, BatteryPct: 82},
		},
	}
}

// LoadScript reads and unmarshals a YAML script from path.
func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	return s, nil
}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   Script
	duration time.Duration
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script Script) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	kfs := script.Keyframes
	if len(kfs) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range kfs {
		if kfs[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kfs[i].T < kfs[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
		if kfs[i].SG < 0.9 || kfs[i].SG > 1.2 {
			return nil, fmt.Errorf("keyframes[%d].sg out of range: %v", i, kfs[i].SG)
		}
		if kfs[i].BatteryPct < 0 || kfs[i].BatteryPct > 100 {
			return nil, fmt.Errorf("keyframes[%d].battery_pct out of range: %v", i, kfs[i].BatteryPct)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = kfs[len(kfs)-1].T
	}
	return &Scenario{script: script, duration: dur}, nil
}

// Duration returns the effective scenario duration.
func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// StateAt interpolates the keyframes at elapsed. Elapsed is clamped to
// [0, Duration()]: a finished fermentation stays finished.
func (s *Scenario) StateAt(elapsed time.Duration) Keyframe {
	if s == nil {
		return Keyframe{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 && elapsed > s.duration {
		elapsed = s.duration
	}
	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	return Keyframe{
		T:          elapsed,
		SG:         lerp(k0.SG, k1.SG, alpha),
		TempC:      lerp(k0.TempC, k1.TempC, alpha),
		BatteryPct: lerp(k0.BatteryPct, k1.BatteryPct, alpha),
	}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
