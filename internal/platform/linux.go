//go:build linux

package platform

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"hydrometer/internal/power"
)

var (
	reboot = unix.Reboot
	syncFS = unix.Sync
)

type LinuxConfig struct {
	// ResetCausePath is written by the PMIC service before the kernel starts
	// this binary.
	ResetCausePath string
	// CauseMarkerPath is where the cause of the next boot is recorded before
	// powering off or restarting. Used when ResetCausePath is absent.
	CauseMarkerPath string
	// WakealarmPath is the RTC sysfs wakealarm attribute.
	WakealarmPath string
}

// Linux powers the board off with an RTC wake alarm for deep sleep and
// restarts it for reset.
type Linux struct {
	log *zap.SugaredLogger
	cfg LinuxConfig
}

func NewLinux(log *zap.SugaredLogger, cfg LinuxConfig) *Linux {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.WakealarmPath == "" {
		cfg.WakealarmPath = "/sys/class/rtc/rtc0/wakealarm"
	}
	return &Linux{log: log, cfg: cfg}
}

func (l *Linux) ResetCause(context.Context) (power.ResetCause, error) {
	return readCause(l.cfg.ResetCausePath, l.cfg.CauseMarkerPath)
}

func (l *Linux) Execute(ctx context.Context, a power.Action) error {
	l.log.Infow("executing", "action", a.String())
	if a.Kind == power.ActionHalt {
		return ErrHalted
	}
	if err := wait(ctx, a.Delay); err != nil {
		return err
	}
	switch a.Kind {
	case power.ActionDeepSleep:
		if err := l.setWakealarm(a.Duration); err != nil {
			return err
		}
		l.mark(power.CauseDeepSleepWake)
		syncFS()
		if err := reboot(unix.LINUX_REBOOT_CMD_POWER_OFF); err != nil {
			return fmt.Errorf("platform: power off: %w", err)
		}
	case power.ActionReset:
		l.mark(power.CauseExternalReset)
		syncFS()
		if err := reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
			return fmt.Errorf("platform: restart: %w", err)
		}
	default:
		return fmt.Errorf("platform: unknown action %s", a.Kind)
	}
	return nil
}

// mark records the next boot's cause. A failure only costs the distinction
// from a cold power-on, so the action still goes ahead.
func (l *Linux) mark(c power.ResetCause) {
	if err := writeMarker(l.cfg.CauseMarkerPath, c); err != nil {
		l.log.Warnw("next reset cause not recorded", "cause", c.String(), "error", err)
	}
}

// setWakealarm clears any previous alarm, then arms a relative one.
func (l *Linux) setWakealarm(d time.Duration) error {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	if err := os.WriteFile(l.cfg.WakealarmPath, []byte("0"), 0o644); err != nil {
		return fmt.Errorf("platform: clear wakealarm: %w", err)
	}
	if err := os.WriteFile(l.cfg.WakealarmPath, []byte(fmt.Sprintf("+%d", secs)), 0o644); err != nil {
		return fmt.Errorf("platform: set wakealarm: %w", err)
	}
	return nil
}
