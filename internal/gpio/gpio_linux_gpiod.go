//go:build linux && (arm || arm64)

package gpio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "hydrometer"

// findLine locates a BCM pin by its line name ("GPIO17"). Header pins are not
// on the same chip on every Pi model, so all chips are tried.
func findLine(pin int) (*gpiocdev.Chip, int, error) {
	if pin <= 0 {
		return nil, 0, fmt.Errorf("gpio: invalid pin %d", pin)
	}
	name := fmt.Sprintf("GPIO%d", pin)

	candidates := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", e.Name()))
		}
	}
	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path, gpiocdev.WithConsumer(consumer))
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return chip, offset, nil
	}
	return nil, 0, fmt.Errorf("gpio: line %q not found", name)
}

type line struct {
	chip *gpiocdev.Chip
	l    *gpiocdev.Line
}

func (g *line) Close() error {
	if g == nil || g.l == nil {
		return nil
	}
	err := g.l.Close()
	g.l = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}

type output struct{ line }

// OpenOutput requests pin as an output, initially low.
func OpenOutput(pin int) (Output, error) {
	chip, offset, err := findLine(pin)
	if err != nil {
		return nil, err
	}
	l, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("gpio: request output %d: %w", pin, err)
	}
	return &output{line{chip: chip, l: l}}, nil
}

func (o *output) Set(on bool) error {
	if o.l == nil {
		return fmt.Errorf("gpio: line closed")
	}
	v := 0
	if on {
		v = 1
	}
	return o.l.SetValue(v)
}

func (o *output) Close() error {
	if o.l != nil {
		_ = o.l.SetValue(0)
	}
	return o.line.Close()
}

type modeSwitch struct {
	line
	presses chan struct{}
}

// OpenSwitch requests pin as a pulled-up input and reports falling edges.
// Presses that arrive while one is still unread are dropped.
func OpenSwitch(pin int, debounce time.Duration) (Switch, error) {
	chip, offset, err := findLine(pin)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	sw := &modeSwitch{presses: make(chan struct{}, 1)}
	handler := func(evt gpiocdev.LineEvent) {
		if evt.Type != gpiocdev.LineEventFallingEdge {
			return
		}
		select {
		case sw.presses <- struct{}{}:
		default:
		}
	}
	l, err := chip.RequestLine(offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithDebounce(debounce),
		gpiocdev.WithEventHandler(handler),
	)
	if err != nil {
		_ = chip.Close()
		return nil, fmt.Errorf("gpio: request switch %d: %w", pin, err)
	}
	sw.line = line{chip: chip, l: l}
	return sw, nil
}

func (s *modeSwitch) Presses() <-chan struct{} { return s.presses }
