package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hydrometer/internal/power"
)

// Sim runs consecutive boots in one process. Sleeps and delays are divided
// by Scale.
type Sim struct {
	log   *zap.SugaredLogger
	scale float64

	mu    sync.Mutex
	cause power.ResetCause
	boots int
}

func NewSim(log *zap.SugaredLogger, scale float64) *Sim {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if scale <= 0 {
		scale = 1
	}
	return &Sim{log: log, scale: scale, cause: power.CausePowerOn}
}

func (s *Sim) ResetCause(context.Context) (power.ResetCause, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boots++
	return s.cause, nil
}

// Boots counts ResetCause calls, one per simulated boot.
func (s *Sim) Boots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boots
}

func (s *Sim) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) / s.scale)
}

func (s *Sim) Execute(ctx context.Context, a power.Action) error {
	s.log.Infow("sim executing", "action", a.String())
	if a.Kind == power.ActionHalt {
		return ErrHalted
	}
	if err := wait(ctx, s.scaled(a.Delay)); err != nil {
		return err
	}
	var next power.ResetCause
	switch a.Kind {
	case power.ActionDeepSleep:
		if err := wait(ctx, s.scaled(a.Duration)); err != nil {
			return err
		}
		next = power.CauseDeepSleepWake
	case power.ActionReset:
		next = power.CauseExternalReset
	default:
		return fmt.Errorf("platform: unknown action %s", a.Kind)
	}
	s.mu.Lock()
	s.cause = next
	s.mu.Unlock()
	return nil
}
