// Package fusion turns raw sensor samples into the readings the rest of the
// device works with: tilt angles from accelerometer vectors and a battery
// percentage from ADC counts. Noisy inputs are averaged; impossible inputs
// surface as ErrSensorFault so no NaN ever travels downstream.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrNoReading means there is no sample source or no sample was taken.
	ErrNoReading = errors.New("fusion: no reading")
	// ErrSensorFault means the source produced a physically impossible value.
	ErrSensorFault = errors.New("fusion: sensor fault")
)

// DefaultSmoothing is the sample count used when SmoothedTilt gets n <= 0.
const DefaultSmoothing = 3

// Tilt angles in degrees. Beta is the angle between the long side of the
// board and the liquid surface, and is what the calibration curve consumes.
type Tilt struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// AccelSource yields one acceleration vector. Units cancel out, so G or raw
// counts both work.
type AccelSource interface {
	ReadAccel(ctx context.Context) (ax, ay, az float64, err error)
}

// TiltFromAccel computes pitch, roll and the angle from vertical.
func TiltFromAccel(ax, ay, az float64) (Tilt, error) {
	for _, v := range []float64{ax, ay, az} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Tilt{}, fmt.Errorf("%w: non-finite accel component", ErrSensorFault)
		}
	}
	if math.Abs(az) < 1e-9 {
		return Tilt{}, fmt.Errorf("%w: z axis reads zero", ErrSensorFault)
	}
	alpha := deg(math.Atan(ax / math.Sqrt(ay*ay+az*az)))
	beta := deg(math.Atan(ay / math.Sqrt(ax*ax+az*az)))
	gamma := deg(math.Atan(math.Sqrt(ax*ax+ay*ay) / az))
	return Tilt{
		Alpha: Round(alpha, 2),
		Beta:  Round(beta, 2),
		Gamma: Round(gamma, 2),
	}, nil
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }

// Round rounds half away from zero to the given number of decimals.
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

type Reader struct {
	src AccelSource
}

func NewReader(src AccelSource) *Reader {
	return &Reader{src: src}
}

func (r *Reader) ReadTilt(ctx context.Context) (Tilt, error) {
	if r == nil || r.src == nil {
		return Tilt{}, ErrNoReading
	}
	ax, ay, az, err := r.src.ReadAccel(ctx)
	if err != nil {
		return Tilt{}, fmt.Errorf("%w: %v", ErrSensorFault, err)
	}
	return TiltFromAccel(ax, ay, az)
}

// SmoothedTilt averages n readings per axis. One bad sample fails the whole
// reading.
func (r *Reader) SmoothedTilt(ctx context.Context, n int) (Tilt, error) {
	if n <= 0 {
		n = DefaultSmoothing
	}
	var sum Tilt
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Tilt{}, err
		}
		t, err := r.ReadTilt(ctx)
		if err != nil {
			return Tilt{}, err
		}
		sum.Alpha += t.Alpha
		sum.Beta += t.Beta
		sum.Gamma += t.Gamma
	}
	k := float64(n)
	return Tilt{
		Alpha: Round(sum.Alpha/k, 2),
		Beta:  Round(sum.Beta/k, 2),
		Gamma: Round(sum.Gamma/k, 2),
	}, nil
}

// TrimmedMean sorts the samples and averages them without the minimum and
// maximum. With fewer than three samples it is a plain mean.
func TrimmedMean(samples []float64) (float64, error) {
	if len(samples) == 0 {
		return 0, ErrNoReading
	}
	s := append([]float64(nil), samples...)
	sort.Float64s(s)
	if len(s) >= 3 {
		s = s[1 : len(s)-1]
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s)), nil
}
