// Package calibration holds the device-specific regression curve that maps
// tilt to gravity, and the gravity unit conversions used around it.
package calibration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"hydrometer/internal/config"
	"hydrometer/internal/fusion"
)

var (
	ErrMissing = errors.New("calibration: no calibration record")
	ErrInvalid = errors.New("calibration: invalid calibration record")
)

const (
	UnitSG    = "sg"
	UnitPlato = "p"
)

// Curve is gravity = A*tilt² + B*tilt + C, in Unit.
type Curve struct {
	A    float64 `json:"a"`
	B    float64 `json:"b"`
	C    float64 `json:"c"`
	Unit string  `json:"unit"`
}

// Validate normalizes the unit and rejects curves that cannot produce a
// usable gravity. A single zero coefficient is fine; all three are not.
func (c *Curve) Validate() error {
	for _, v := range []float64{c.A, c.B, c.C} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coefficient", ErrInvalid)
		}
	}
	if c.A == 0 && c.B == 0 && c.C == 0 {
		return fmt.Errorf("%w: all coefficients are zero", ErrInvalid)
	}
	c.Unit = strings.ToLower(strings.TrimSpace(c.Unit))
	switch c.Unit {
	case "":
		c.Unit = UnitSG
	case UnitSG, UnitPlato:
	default:
		return fmt.Errorf("%w: unknown unit %q", ErrInvalid, c.Unit)
	}
	return nil
}

func (c Curve) Gravity(tilt float64) float64 {
	return c.A*tilt*tilt + c.B*tilt + c.C
}

// SpecificGravity evaluates the curve and converts the result to SG.
func (c Curve) SpecificGravity(tilt float64) float64 {
	return ToSpecificGravity(c.Gravity(tilt), c.Unit)
}

// ToSpecificGravity converts a raw curve output. Plato results are rounded to
// 3 decimals, SG results to 4.
func ToSpecificGravity(raw float64, unit string) float64 {
	if unit == UnitPlato {
		return PlatoToSG(raw)
	}
	return fusion.Round(raw, 4)
}

func SGToPlato(sg float64) float64 {
	p := -616.868 + 1111.14*sg - 630.272*sg*sg + 135.997*sg*sg*sg
	return fusion.Round(p, 1)
}

func PlatoToSG(plato float64) float64 {
	return fusion.Round(1+plato/(258.6-(plato/258.2)*227.1), 3)
}

// ABV is alcohol by volume in percent from original and final gravity.
func ABV(og, fg float64) float64 {
	return fusion.Round((og-fg)*131.52, 2)
}

func CToF(c float64) float64 {
	return fusion.Round(c*1.8+32, 2)
}

// Store persists one Curve as a JSON file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Load() (Curve, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Curve{}, ErrMissing
		}
		return Curve{}, fmt.Errorf("calibration: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return Curve{}, ErrMissing
	}
	var c Curve
	if err := json.Unmarshal(b, &c); err != nil {
		return Curve{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return Curve{}, err
	}
	return c, nil
}

// Save validates c and replaces the record atomically.
func (s *Store) Save(c Curve) error {
	if err := c.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := config.WriteFileAtomic(s.path, b, 0o644); err != nil {
		return fmt.Errorf("calibration: write %s: %w", s.path, err)
	}
	return nil
}
