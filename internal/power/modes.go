package power

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"hydrometer/internal/gpio"
	"hydrometer/internal/wifi"
)

type Network interface {
	StartAP(ctx context.Context, ssid, password, ip string) error
	Connect(ctx context.Context, ssid, pass string, opts wifi.ConnectOptions) (wifi.Association, error)
}

// Server is the local control surface. Serve blocks until ctx is done.
type Server interface {
	Serve(ctx context.Context, sched *Scheduler) error
}

type APSettings struct {
	SSID     string
	Password string
	IP       string
}

type StationSettings struct {
	SSID string
	Pass string
}

// CalibrationMode lights the LED, powers the sensors, brings up the access
// point (and the station link when configured), keeps the tilt fresh and
// serves the control surface.
type CalibrationMode struct {
	Log         *zap.SugaredLogger
	LED         gpio.Output
	SensorPower gpio.Output
	Network     Network
	AP          APSettings
	Station     StationSettings
	Sampler     *Sampler
	Server      Server
}

func (m *CalibrationMode) Run(ctx context.Context, sched *Scheduler) error {
	log := m.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m.Server == nil {
		return fmt.Errorf("power: calibration mode has no server")
	}
	for _, out := range []gpio.Output{m.LED, m.SensorPower} {
		if out == nil {
			continue
		}
		if err := out.Set(true); err != nil {
			log.Warnw("gpio set failed", "error", err)
		}
		defer func(o gpio.Output) { _ = o.Set(false) }(out)
	}

	bringUpNetwork(ctx, log, m.Network, m.AP, m.Station)

	if m.Sampler != nil {
		if err := m.Sampler.Start(ctx); err != nil {
			log.Warnw("tilt sampler not started", "error", err)
		} else {
			defer m.Sampler.Close()
		}
	}
	return m.Server.Serve(ctx, sched)
}

// MaintenanceMode brings up the access point and serves the diagnostic
// surface until a reboot is requested.
type MaintenanceMode struct {
	Log     *zap.SugaredLogger
	Network Network
	AP      APSettings
	Station StationSettings
	Server  Server
}

func (m *MaintenanceMode) Run(ctx context.Context, sched *Scheduler) error {
	log := m.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m.Server == nil {
		return fmt.Errorf("power: maintenance mode has no server")
	}
	bringUpNetwork(ctx, log, m.Network, m.AP, m.Station)
	return m.Server.Serve(ctx, sched)
}

// bringUpNetwork failures are logged only: the operator may still reach the
// device over whichever link did come up.
func bringUpNetwork(ctx context.Context, log *zap.SugaredLogger, n Network, ap APSettings, sta StationSettings) {
	if n == nil {
		return
	}
	if err := n.StartAP(ctx, ap.SSID, ap.Password, ap.IP); err != nil {
		log.Errorw("access point failed", "ssid", ap.SSID, "error", err)
	}
	if sta.SSID == "" {
		return
	}
	a, err := n.Connect(ctx, sta.SSID, sta.Pass, wifi.ConnectOptions{Verify: true})
	if err != nil {
		log.Warnw("station join failed", "ssid", sta.SSID, "error", err)
		return
	}
	log.Infow("station joined", "ssid", a.SSID, "ip", a.IP, "fallback", a.Fallback)
}
