// Package gpio exposes the three lines the hydrometer uses: the mode-select
// switch (input, falling edge), the status LED and the sensor power rail
// (VPP), both outputs.
package gpio

import (
	"context"
	"time"
)

// Output is a digital output line.
type Output interface {
	Set(on bool) error
	Close() error
}

// Switch delivers one value per debounced press.
type Switch interface {
	Presses() <-chan struct{}
	Close() error
}

// Nop stands in for a line that is not wired on this board.
type Nop struct{}

func (Nop) Set(bool) error { return nil }
func (Nop) Close() error   { return nil }

// NopSwitch never fires.
type NopSwitch struct{}

func (NopSwitch) Presses() <-chan struct{} { return nil }
func (NopSwitch) Close() error             { return nil }

var tickerFn = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Blink toggles out every half period until ctx is done, then leaves it off.
func Blink(ctx context.Context, out Output, period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	tick, stop := tickerFn(period / 2)
	defer stop()
	on := true
	_ = out.Set(on)
	for {
		select {
		case <-ctx.Done():
			_ = out.Set(false)
			return
		case <-tick:
			on = !on
			_ = out.Set(on)
		}
	}
}
