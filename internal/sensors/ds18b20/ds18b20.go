// Package ds18b20 reads a DS18B20 probe through the Linux w1-therm driver.
package ds18b20

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"hydrometer/internal/fusion"
)

var (
	ErrNotConnected = errors.New("ds18b20: probe not connected")
	ErrBadReading   = errors.New("ds18b20: bad reading")
)

// powerOnReset is what the chip reports before its first conversion.
const powerOnReset = 85000

type Probe struct {
	dir string
	id  string
}

// New returns a probe for rom under the w1 devices directory. rom is either
// the sysfs name ("28-02131901ecaa") or the 64-bit ROM code in wire order
// ("0x28aaec0119130238").
func New(w1Dir, rom string) (*Probe, error) {
	id, err := SysfsID(rom)
	if err != nil {
		return nil, err
	}
	return &Probe{dir: filepath.Join(w1Dir, id), id: id}, nil
}

func (p *Probe) ID() string { return p.id }

// SysfsID converts a ROM code to the directory name the w1 core uses.
func SysfsID(rom string) (string, error) {
	rom = strings.ToLower(strings.TrimSpace(rom))
	if rom == "" {
		return "", fmt.Errorf("ds18b20: rom is required")
	}
	if strings.Contains(rom, "-") {
		return rom, nil
	}
	rom = strings.TrimPrefix(rom, "0x")
	v, err := strconv.ParseUint(rom, 16, 64)
	if err != nil || len(rom) > 16 {
		return "", fmt.Errorf("ds18b20: invalid rom %q", rom)
	}
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	// Wire order is family, serial LSB first, crc. sysfs prints the serial
	// as a big-endian 48-bit number.
	var serial uint64
	for i := 6; i >= 1; i-- {
		serial = serial<<8 | uint64(b[i])
	}
	return fmt.Sprintf("%02x-%012x", b[0], serial), nil
}

// ReadCelsius triggers a conversion and returns degrees Celsius rounded to
// 0.1. A missing device directory is ErrNotConnected.
func (p *Probe) ReadCelsius(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := os.ReadFile(filepath.Join(p.dir, "w1_slave"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotConnected, p.id)
		}
		return 0, fmt.Errorf("ds18b20: %s: %w", p.id, err)
	}
	milli, err := parseW1Slave(string(b))
	if err != nil {
		return 0, err
	}
	return fusion.Round(float64(milli)/1000, 1), nil
}

// parseW1Slave handles the two-line w1_slave format:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(s string) (int, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("%w: short output", ErrBadReading)
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[0]), "YES") {
		return 0, fmt.Errorf("%w: crc check failed", ErrBadReading)
	}
	i := strings.LastIndex(lines[1], "t=")
	if i < 0 {
		return 0, fmt.Errorf("%w: no temperature field", ErrBadReading)
	}
	milli, err := strconv.Atoi(strings.TrimSpace(lines[1][i+2:]))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadReading, err)
	}
	if milli == powerOnReset {
		return 0, fmt.Errorf("%w: power-on reset value", ErrBadReading)
	}
	return milli, nil
}

// List returns the sysfs ids of every DS18B20 (family 0x28) on the bus.
func List(w1Dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w1Dir, "28-*"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, filepath.Base(m))
	}
	return ids, nil
}
