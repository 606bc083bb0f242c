package power

import (
	"fmt"
	"time"
)

// ResetCause is why the board booted this time.
type ResetCause int

const (
	CauseUnknown ResetCause = iota
	CausePowerOn
	CauseExternalReset
	CauseDeepSleepWake
)

func (c ResetCause) String() string {
	switch c {
	case CausePowerOn:
		return "power_on"
	case CauseExternalReset:
		return "external"
	case CauseDeepSleepWake:
		return "deep_sleep"
	default:
		return "unknown"
	}
}

// ParseResetCause accepts the names String produces.
func ParseResetCause(s string) (ResetCause, error) {
	switch s {
	case "power_on":
		return CausePowerOn, nil
	case "external", "soft", "watchdog":
		return CauseExternalReset, nil
	case "deep_sleep":
		return CauseDeepSleepWake, nil
	default:
		return CauseUnknown, fmt.Errorf("power: unknown reset cause %q", s)
	}
}

type State int

const (
	StateBooting State = iota
	StateFirstBoot
	StateCalibration
	StateArmingFirstSleep
	StateArmingWorkingSleep
	StateWorking
	StateMaintenance
)

func (s State) String() string {
	switch s {
	case StateFirstBoot:
		return "first_boot"
	case StateCalibration:
		return "calibration"
	case StateArmingFirstSleep:
		return "arming_first_sleep"
	case StateArmingWorkingSleep:
		return "arming_working_sleep"
	case StateWorking:
		return "working"
	case StateMaintenance:
		return "maintenance"
	default:
		return "booting"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type ActionKind int

const (
	// ActionHalt ends the process without touching power, e.g. on SIGTERM.
	ActionHalt ActionKind = iota
	ActionDeepSleep
	ActionReset
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeepSleep:
		return "deep_sleep"
	case ActionReset:
		return "reset"
	default:
		return "halt"
	}
}

// Action ends a boot. The platform executes it.
type Action struct {
	Kind ActionKind
	// Duration is the deep-sleep length.
	Duration time.Duration
	// Delay is waited before acting.
	Delay  time.Duration
	Reason string
}

func (a Action) String() string {
	s := a.Kind.String()
	if a.Kind == ActionDeepSleep {
		s += " " + a.Duration.String()
	}
	if a.Delay > 0 {
		s += " after " + a.Delay.String()
	}
	if a.Reason != "" {
		s += " (" + a.Reason + ")"
	}
	return s
}

// Transition is a deferred mode change requested while a mode is running.
type Transition int

const (
	TransitionReboot Transition = iota
	TransitionFirstSleep
	TransitionMaintenance
	TransitionCalibrationRetry
)

func (t Transition) String() string {
	switch t {
	case TransitionFirstSleep:
		return "first_sleep"
	case TransitionMaintenance:
		return "maintenance"
	case TransitionCalibrationRetry:
		return "calibration_retry"
	default:
		return "reboot"
	}
}
