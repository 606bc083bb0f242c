// Package power decides, once per boot, what the device does with this boot
// and how the boot ends. The only memory that survives deep sleep is the
// reset cause and a handful of durable flags.
package power

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hydrometer/internal/gpio"
	"hydrometer/internal/telemetry"
)

type FlagStore interface {
	Has(name string) (bool, error)
	Consume(name string) (bool, error)
	Clear(name string) error
	Arm(name string) error
}

type CauseSource interface {
	ResetCause(ctx context.Context) (ResetCause, error)
}

type Worker interface {
	RunOnce(ctx context.Context) (telemetry.Report, error)
}

// ModeRunner serves an interactive mode until ctx is canceled. It requests
// the way out through the Scheduler.
type ModeRunner interface {
	Run(ctx context.Context, sched *Scheduler) error
}

type FlagNames struct {
	FirstSleep  string
	DeepSleep   string
	Maintenance string
}

type Config struct {
	Flags               FlagNames
	FirstBootCountdown  time.Duration
	FirstSleep          time.Duration
	MeasurementInterval time.Duration
	// CalibrationRetryDelay is waited before resetting into Calibration when
	// Working cannot proceed.
	CalibrationRetryDelay time.Duration
	// BlinkPeriod is the LED period during the FirstBoot countdown.
	BlinkPeriod time.Duration
}

type Deps struct {
	Flags       FlagStore
	Cause       CauseSource
	Working     Worker
	Calibration ModeRunner
	Maintenance ModeRunner
	LED         gpio.Output
	Switch      gpio.Switch
}

type Controller struct {
	log  *zap.SugaredLogger
	cfg  Config
	deps Deps

	mu     sync.RWMutex
	state  State
	cause  ResetCause
	report *telemetry.Report
}

func New(log *zap.SugaredLogger, cfg Config, deps Deps) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.FirstBootCountdown <= 0 {
		cfg.FirstBootCountdown = 60 * time.Second
	}
	if cfg.FirstSleep <= 0 {
		cfg.FirstSleep = 20 * time.Minute
	}
	if cfg.MeasurementInterval <= 0 {
		cfg.MeasurementInterval = 15 * time.Minute
	}
	if cfg.CalibrationRetryDelay <= 0 {
		cfg.CalibrationRetryDelay = 5 * time.Second
	}
	if cfg.BlinkPeriod <= 0 {
		cfg.BlinkPeriod = time.Second
	}
	if deps.LED == nil {
		deps.LED = gpio.Nop{}
	}
	if deps.Switch == nil {
		deps.Switch = gpio.NopSwitch{}
	}
	return &Controller{log: log, cfg: cfg, deps: deps}
}

// State is the mode this boot is in.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Cause() ResetCause {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cause
}

// LastReport is the Working-mode report of this boot, if any.
func (c *Controller) LastReport() *telemetry.Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Infow("mode", "state", s.String())
}

// Boot evaluates the boot rules in priority order and runs the chosen mode.
// The returned Action is always meaningful, also when err is non-nil.
func (c *Controller) Boot(ctx context.Context) (Action, error) {
	cause, err := c.deps.Cause.ResetCause(ctx)
	if err != nil {
		c.log.Warnw("reset cause unavailable, assuming power on", "error", err)
		cause = CausePowerOn
	}
	if cause == CauseUnknown {
		cause = CausePowerOn
	}
	c.mu.Lock()
	c.cause = cause
	c.mu.Unlock()
	c.log.Infow("boot", "cause", cause.String())

	f := c.cfg.Flags

	// A real power-up ends any previous sleep regime. This is the operator's
	// way back to FirstBoot and Calibration.
	if cause == CausePowerOn {
		for _, name := range []string{f.FirstSleep, f.DeepSleep} {
			if err := c.deps.Flags.Clear(name); err != nil {
				return c.flagFailure(err)
			}
		}
	}

	ok, err := c.deps.Flags.Consume(f.Maintenance)
	if err != nil {
		return c.flagFailure(err)
	}
	if ok {
		c.setState(StateMaintenance)
		return c.runMode(ctx, c.deps.Maintenance)
	}

	ok, err = c.deps.Flags.Consume(f.FirstSleep)
	if err != nil {
		return c.flagFailure(err)
	}
	if ok {
		c.setState(StateArmingFirstSleep)
		return c.armSleep(c.cfg.FirstSleep, "first sleep")
	}

	if cause != CauseDeepSleepWake {
		ok, err = c.deps.Flags.Consume(f.DeepSleep)
		if err != nil {
			return c.flagFailure(err)
		}
		if ok {
			c.setState(StateArmingWorkingSleep)
			return Action{Kind: ActionDeepSleep, Duration: c.cfg.MeasurementInterval, Reason: "idle re-arm"}, nil
		}
	}

	switch cause {
	case CauseDeepSleepWake:
		if _, err := c.deps.Flags.Consume(f.DeepSleep); err != nil {
			return c.flagFailure(err)
		}
		return c.working(ctx)
	case CauseExternalReset:
		return c.calibration(ctx)
	default:
		return c.firstBoot(ctx)
	}
}

func (c *Controller) flagFailure(err error) (Action, error) {
	c.log.Errorw("flag store failure, resetting", "error", err)
	return Action{Kind: ActionReset, Reason: "flag store failure"}, fmt.Errorf("power: %w", err)
}

// armSleep sets deep-sleep-armed and sleeps for d.
func (c *Controller) armSleep(d time.Duration, reason string) (Action, error) {
	if err := c.deps.Flags.Arm(c.cfg.Flags.DeepSleep); err != nil {
		return c.flagFailure(err)
	}
	return Action{Kind: ActionDeepSleep, Duration: d, Reason: reason}, nil
}

func (c *Controller) working(ctx context.Context) (Action, error) {
	c.setState(StateWorking)
	if c.deps.Working == nil {
		return c.toCalibrationAfterDelay("no telemetry pipeline")
	}
	rep, err := c.deps.Working.RunOnce(ctx)
	c.mu.Lock()
	c.report = &rep
	c.mu.Unlock()
	switch {
	case errors.Is(err, telemetry.ErrCalibrationRequired):
		c.log.Errorw("hydrometer must be calibrated before use", "error", err)
		return c.toCalibrationAfterDelay("calibration required")
	case errors.Is(err, telemetry.ErrNetworkNotConfigured):
		c.log.Errorw("network must be configured before use", "error", err)
		return c.toCalibrationAfterDelay("network not configured")
	case err != nil:
		c.log.Warnw("working cycle failed", "error", err)
	}
	if ctx.Err() != nil {
		return Action{Kind: ActionHalt, Reason: "shutdown"}, nil
	}
	c.setState(StateArmingWorkingSleep)
	return c.armSleep(c.cfg.MeasurementInterval, "measurement interval")
}

// toCalibrationAfterDelay resets without any flag set, so the next boot is
// an external reset and lands in Calibration.
func (c *Controller) toCalibrationAfterDelay(reason string) (Action, error) {
	return Action{Kind: ActionReset, Delay: c.cfg.CalibrationRetryDelay, Reason: reason}, nil
}

func (c *Controller) firstBoot(ctx context.Context) (Action, error) {
	c.setState(StateFirstBoot)
	c.log.Infow("press the mode switch to enter calibration", "countdown", c.cfg.FirstBootCountdown)

	blinkCtx, stopBlink := context.WithCancel(ctx)
	blinkDone := make(chan struct{})
	go func() {
		defer close(blinkDone)
		gpio.Blink(blinkCtx, c.deps.LED, c.cfg.BlinkPeriod)
	}()
	stop := func() {
		stopBlink()
		<-blinkDone
	}

	select {
	case <-c.deps.Switch.Presses():
		stop()
		c.log.Infow("mode switch pressed")
		return c.calibration(ctx)
	case <-afterFn(c.cfg.FirstBootCountdown):
		stop()
		if err := c.deps.Flags.Arm(c.cfg.Flags.FirstSleep); err != nil {
			return c.flagFailure(err)
		}
		return Action{Kind: ActionReset, Reason: "first boot countdown expired"}, nil
	case <-ctx.Done():
		stop()
		return Action{Kind: ActionHalt, Reason: "shutdown"}, nil
	}
}

func (c *Controller) calibration(ctx context.Context) (Action, error) {
	c.setState(StateCalibration)
	return c.runMode(ctx, c.deps.Calibration)
}

// runMode serves an interactive mode until it schedules a transition.
func (c *Controller) runMode(ctx context.Context, m ModeRunner) (Action, error) {
	if m == nil {
		return Action{Kind: ActionHalt, Reason: "mode not available"}, fmt.Errorf("power: no runner for %s", c.State())
	}
	sched := NewScheduler()
	defer sched.Stop()

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(mctx, sched) }()

	for {
		select {
		case t := <-sched.C():
			cancel()
			if errCh != nil {
				if err := <-errCh; err != nil {
					c.log.Warnw("mode shutdown", "error", err)
				}
			}
			return c.apply(t)
		case err := <-errCh:
			errCh = nil
			if ctx.Err() != nil {
				return Action{Kind: ActionHalt, Reason: "shutdown"}, nil
			}
			if err != nil {
				c.log.Errorw("mode failed", "state", c.State().String(), "error", err)
				return Action{Kind: ActionReset, Delay: c.cfg.CalibrationRetryDelay, Reason: "mode failed"}, err
			}
			// The runner finished on its own; keep waiting for its transition.
		case <-ctx.Done():
			cancel()
			if errCh != nil {
				<-errCh
			}
			return Action{Kind: ActionHalt, Reason: "shutdown"}, nil
		}
	}
}

// apply turns a fired transition into this boot's terminal action.
func (c *Controller) apply(t Transition) (Action, error) {
	c.log.Infow("transition", "to", t.String())
	switch t {
	case TransitionFirstSleep:
		if err := c.deps.Flags.Arm(c.cfg.Flags.FirstSleep); err != nil {
			return c.flagFailure(err)
		}
	case TransitionMaintenance:
		if err := c.deps.Flags.Arm(c.cfg.Flags.Maintenance); err != nil {
			return c.flagFailure(err)
		}
	}
	return Action{Kind: ActionReset, Reason: t.String()}, nil
}
