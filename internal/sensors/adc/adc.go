// Package adc reads raw counts from a Linux IIO voltage channel, e.g.
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw.
package adc

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Channel struct {
	path string
}

func Open(path string) (*Channel, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("adc: channel path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adc: %w", err)
	}
	return &Channel{path: path}, nil
}

// ReadRaw satisfies fusion.ADC. Each call triggers one conversion.
func (c *Channel) ReadRaw(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b, err := os.ReadFile(c.path)
	if err != nil {
		return 0, fmt.Errorf("adc: read %s: %w", c.path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("adc: parse %s: %w", c.path, err)
	}
	return v, nil
}
