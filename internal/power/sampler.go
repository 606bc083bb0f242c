package power

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hydrometer/internal/fusion"
)

var afterFn = time.After

type TiltReader interface {
	SmoothedTilt(ctx context.Context, n int) (fusion.Tilt, error)
}

// Sample is the latest good tilt plus the outcome of the most recent
// attempt.
type Sample struct {
	Tilt      fusion.Tilt `json:"tilt"`
	At        time.Time   `json:"at"`
	Seq       uint64      `json:"seq"`
	LastError string      `json:"last_error,omitempty"`
}

type SamplerConfig struct {
	Interval  time.Duration
	Smoothing int
	// OnSample is called from the sampling goroutine after each good reading.
	OnSample func(Sample)
}

// Sampler refreshes the tilt on a fixed cadence in Calibration mode. It is
// the only writer of its snapshot; readers never block it.
type Sampler struct {
	log *zap.SugaredLogger
	src TiltReader
	cfg SamplerConfig

	snap atomic.Pointer[Sample]

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewSampler(log *zap.SugaredLogger, src TiltReader, cfg SamplerConfig) *Sampler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	return &Sampler{log: log, src: src, cfg: cfg, stopCh: make(chan struct{})}
}

// Latest returns the last snapshot. ok is false before the first good
// reading.
func (s *Sampler) Latest() (Sample, bool) {
	if s == nil {
		return Sample{}, false
	}
	p := s.snap.Load()
	if p == nil {
		return Sample{}, false
	}
	return *p, p.Seq > 0
}

func (s *Sampler) Start(ctx context.Context) error {
	if s == nil || s.src == nil {
		return fmt.Errorf("power: sampler has no tilt source")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

func (s *Sampler) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sampler) run(ctx context.Context) {
	for {
		s.sampleOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-afterFn(s.cfg.Interval):
		}
	}
}

// sampleOnce never lets a bad reading end the loop.
func (s *Sampler) sampleOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("tilt sampler panic", "panic", r)
			s.recordErr(fmt.Sprint(r))
		}
	}()
	tilt, err := s.src.SmoothedTilt(ctx, s.cfg.Smoothing)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnw("tilt sample failed", "error", err)
		}
		s.recordErr(err.Error())
		return
	}
	prev := s.snap.Load()
	next := &Sample{Tilt: tilt, At: time.Now().UTC(), Seq: 1}
	if prev != nil {
		next.Seq = prev.Seq + 1
	}
	s.snap.Store(next)
	if s.cfg.OnSample != nil {
		s.cfg.OnSample(*next)
	}
}

func (s *Sampler) recordErr(msg string) {
	next := &Sample{LastError: msg}
	if prev := s.snap.Load(); prev != nil {
		next.Tilt, next.At, next.Seq = prev.Tilt, prev.At, prev.Seq
	}
	s.snap.Store(next)
}
