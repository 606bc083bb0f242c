//go:build !linux

package platform

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hydrometer/internal/power"
)

type LinuxConfig struct {
	ResetCausePath  string
	CauseMarkerPath string
	WakealarmPath   string
}

type Linux struct {
	cfg LinuxConfig
}

func NewLinux(_ *zap.SugaredLogger, cfg LinuxConfig) *Linux {
	return &Linux{cfg: cfg}
}

func (l *Linux) ResetCause(context.Context) (power.ResetCause, error) {
	return readCause(l.cfg.ResetCausePath, l.cfg.CauseMarkerPath)
}

func (l *Linux) Execute(_ context.Context, a power.Action) error {
	if a.Kind == power.ActionHalt {
		return ErrHalted
	}
	return fmt.Errorf("platform: %s unsupported on this platform", a.Kind)
}
