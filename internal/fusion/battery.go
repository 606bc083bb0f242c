package fusion

import (
	"context"
	"fmt"
	"math"
)

// ADC yields one raw conversion.
type ADC interface {
	ReadRaw(ctx context.Context) (int, error)
}

type BatteryConfig struct {
	// Samples per reading; the min and max are discarded.
	Samples int
	// MaxCounts raw counts equal MaxMV millivolts at the ADC pin.
	MaxCounts int
	MaxMV     float64
	// Pin millivolts at an empty and a full cell.
	EmptyMV float64
	FullMV  float64
	// DividerRatio scales pin millivolts to cell millivolts. 0 disables.
	DividerRatio float64
}

type BatteryReading struct {
	Percent int
	// PinMillivolts is the trimmed ADC voltage before the divider.
	PinMillivolts float64
	// CellMillivolts is 0 when no divider ratio is configured.
	CellMillivolts float64
}

type Battery struct {
	adc ADC
	cfg BatteryConfig
}

func NewBattery(adc ADC, cfg BatteryConfig) *Battery {
	if cfg.Samples <= 0 {
		cfg.Samples = 5
	}
	if cfg.MaxCounts <= 0 {
		cfg.MaxCounts = 1024
	}
	if cfg.MaxMV <= 0 {
		cfg.MaxMV = 1000
	}
	if cfg.EmptyMV == 0 && cfg.FullMV == 0 {
		cfg.EmptyMV, cfg.FullMV = 567, 758
	}
	return &Battery{adc: adc, cfg: cfg}
}

func (b *Battery) Read(ctx context.Context) (BatteryReading, error) {
	if b == nil || b.adc == nil {
		return BatteryReading{}, ErrNoReading
	}
	counts := make([]float64, 0, b.cfg.Samples)
	for i := 0; i < b.cfg.Samples; i++ {
		if err := ctx.Err(); err != nil {
			return BatteryReading{}, err
		}
		v, err := b.adc.ReadRaw(ctx)
		if err != nil {
			return BatteryReading{}, fmt.Errorf("%w: adc: %v", ErrSensorFault, err)
		}
		if v < 0 {
			return BatteryReading{}, fmt.Errorf("%w: adc returned %d", ErrSensorFault, v)
		}
		counts = append(counts, float64(v))
	}
	avg, err := TrimmedMean(counts)
	if err != nil {
		return BatteryReading{}, err
	}
	mv := avg * b.cfg.MaxMV / float64(b.cfg.MaxCounts)
	r := BatteryReading{
		Percent:       PercentFromMillivolts(mv, b.cfg.EmptyMV, b.cfg.FullMV),
		PinMillivolts: Round(mv, 1),
	}
	if b.cfg.DividerRatio > 0 {
		r.CellMillivolts = math.Round(mv * b.cfg.DividerRatio)
	}
	return r, nil
}

func (b *Battery) Percent(ctx context.Context) (int, error) {
	r, err := b.Read(ctx)
	if err != nil {
		return 0, err
	}
	return r.Percent, nil
}

// Millivolts reports the cell voltage, or the pin voltage when no divider
// ratio is configured.
func (b *Battery) Millivolts(ctx context.Context) (float64, error) {
	r, err := b.Read(ctx)
	if err != nil {
		return 0, err
	}
	if r.CellMillivolts > 0 {
		return r.CellMillivolts, nil
	}
	return r.PinMillivolts, nil
}

// PercentFromMillivolts maps linearly between the empty and full endpoints
// and clamps to [0, 100].
func PercentFromMillivolts(mv, emptyMV, fullMV float64) int {
	if fullMV <= emptyMV {
		return 0
	}
	p := math.Round((mv - emptyMV) / (fullMV - emptyMV) * 100)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}
