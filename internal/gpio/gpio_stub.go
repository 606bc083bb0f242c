//go:build !linux || (!arm && !arm64)

package gpio

import (
	"fmt"
	"time"
)

func OpenOutput(pin int) (Output, error) {
	return nil, fmt.Errorf("gpio: unsupported on this platform")
}

func OpenSwitch(pin int, debounce time.Duration) (Switch, error) {
	return nil, fmt.Errorf("gpio: unsupported on this platform")
}
