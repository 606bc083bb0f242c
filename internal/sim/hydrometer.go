// Package sim provides a simulated floating hydrometer: accelerometer, battery
// ADC and temperature probe driven by a fermentation scenario.
package sim

import (
	"context"
	"math"
	"time"

	"hydrometer/internal/calibration"
	"hydrometer/internal/fusion"
)

// Hydrometer floats in the scenario's wort. Its tilt is whatever the given
// calibration curve maps to the scenario gravity, plus a small wobble.
type Hydrometer struct {
	Scenario *Scenario
	Curve    calibration.Curve
	Battery  fusion.BatteryConfig

	// Start is when the fermentation began. Scale speeds up scenario time.
	Start time.Time
	Scale float64
	// WobbleDeg is the amplitude of the CO2 wobble on the tilt.
	WobbleDeg float64
	// Period of the wobble.
	Period time.Duration

	Now func() time.Time
}

func (h *Hydrometer) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Elapsed is scenario time since Start.
func (h *Hydrometer) Elapsed() time.Duration {
	scale := h.Scale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(h.now().Sub(h.Start)) * scale)
}

// State is the scenario state right now.
func (h *Hydrometer) State() Keyframe {
	return h.Scenario.StateAt(h.Elapsed())
}

// TiltDeg is the float angle for the current gravity, wobble included.
func (h *Hydrometer) TiltDeg() float64 {
	st := h.State()
	raw := st.SG
	if h.Curve.Unit == calibration.UnitPlato {
		raw = calibration.SGToPlato(st.SG)
	}
	tilt := invertCurve(h.Curve, raw)

	period := h.Period
	if period <= 0 {
		period = 7 * time.Second
	}
	now := h.now()
	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	tilt += h.WobbleDeg * math.Sin(2*math.Pi*phase)
	return math.Max(0, math.Min(89, tilt))
}

// ReadAccel reports gravity in g with the float tilted about the x axis.
func (h *Hydrometer) ReadAccel(ctx context.Context) (ax, ay, az float64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	rad := h.TiltDeg() * math.Pi / 180
	return 0, math.Sin(rad), math.Cos(rad), nil
}

// ReadRaw returns the battery ADC counts for the scenario charge level.
func (h *Hydrometer) ReadRaw(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cfg := h.batteryConfig()
	pct := h.State().BatteryPct
	mv := cfg.EmptyMV + (cfg.FullMV-cfg.EmptyMV)*pct/100
	return int(math.Round(mv / cfg.MaxMV * float64(cfg.MaxCounts))), nil
}

func (h *Hydrometer) ReadCelsius(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return fusion.Round(h.State().TempC, 1), nil
}

func (h *Hydrometer) batteryConfig() fusion.BatteryConfig {
	cfg := h.Battery
	if cfg.MaxCounts <= 0 {
		cfg.MaxCounts = 1024
	}
	if cfg.MaxMV <= 0 {
		cfg.MaxMV = 1000
	}
	if cfg.EmptyMV == 0 && cfg.FullMV == 0 {
		cfg.EmptyMV, cfg.FullMV = 567, 758
	}
	return cfg
}

// invertCurve finds the tilt in [0, 90] at which c yields raw. When no such
// tilt exists the nearest end of the range is returned.
func invertCurve(c calibration.Curve, raw float64) float64 {
	const lo, hi = 0.0, 90.0
	if c.A == 0 {
		if c.B == 0 {
			return lo
		}
		return clamp((raw-c.C)/c.B, lo, hi)
	}
	disc := c.B*c.B - 4*c.A*(c.C-raw)
	if disc >= 0 {
		sq := math.Sqrt(disc)
		for _, t := range []float64{(-c.B + sq) / (2 * c.A), (-c.B - sq) / (2 * c.A)} {
			if t >= lo && t <= hi {
				return t
			}
		}
	}
	if math.Abs(c.Gravity(lo)-raw) <= math.Abs(c.Gravity(hi)-raw) {
		return lo
	}
	return hi
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
