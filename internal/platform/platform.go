// Package platform executes the terminal action of a boot and reports why
// the board booted.
package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"hydrometer/internal/config"
	"hydrometer/internal/power"
)

// ErrHalted is returned by Execute for ActionHalt.
var ErrHalted = errors.New("platform: halted")

// Platform is the board the state machine runs on. Execute does not return
// on success for DeepSleep and Reset on real hardware.
type Platform interface {
	ResetCause(ctx context.Context) (power.ResetCause, error)
	Execute(ctx context.Context, a power.Action) error
}

// wait waits for d or until ctx is done.
var wait = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// readCause prefers the PMIC-written cause file and falls back to the marker
// this binary leaves before it powers off or restarts. The marker is consumed
// either way so it never outlives the boot it describes. With neither present
// the boot is a cold power-on.
func readCause(path, marker string) (power.ResetCause, error) {
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := dropMarker(marker); err != nil {
				return power.CauseUnknown, err
			}
			return parseCause(b)
		case !errors.Is(err, os.ErrNotExist):
			return power.CauseUnknown, err
		}
	}
	if marker == "" {
		return power.CausePowerOn, nil
	}
	b, err := os.ReadFile(marker)
	if errors.Is(err, os.ErrNotExist) {
		return power.CausePowerOn, nil
	}
	if err != nil {
		return power.CauseUnknown, err
	}
	if err := dropMarker(marker); err != nil {
		return power.CauseUnknown, err
	}
	return parseCause(b)
}

// writeMarker records the cause the next boot should see.
func writeMarker(marker string, c power.ResetCause) error {
	if marker == "" {
		return nil
	}
	if err := config.WriteFileAtomic(marker, []byte(c.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("platform: write cause marker: %w", err)
	}
	return nil
}

func dropMarker(marker string) error {
	if marker == "" {
		return nil
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("platform: drop cause marker: %w", err)
	}
	return nil
}

func parseCause(b []byte) (power.ResetCause, error) {
	return power.ParseResetCause(strings.ToLower(strings.TrimSpace(string(b))))
}
