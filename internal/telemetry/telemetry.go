// Package telemetry runs one Working-mode measurement cycle: sample, compute,
// associate, deliver.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"hydrometer/internal/calibration"
	"hydrometer/internal/fusion"
	"hydrometer/internal/transport"
	"hydrometer/internal/wifi"
)

var (
	// ErrCalibrationRequired means there is no usable curve. Nothing was sent.
	ErrCalibrationRequired = errors.New("telemetry: calibration required")
	// ErrNetworkNotConfigured means the selected transport has no network
	// credentials. Nothing was sent.
	ErrNetworkNotConfigured = errors.New("telemetry: network not configured")
)

type TiltReader interface {
	SmoothedTilt(ctx context.Context, n int) (fusion.Tilt, error)
}

type BatteryReader interface {
	Read(ctx context.Context) (fusion.BatteryReading, error)
}

type Thermometer interface {
	ReadCelsius(ctx context.Context) (float64, error)
}

type CurveLoader interface {
	Load() (calibration.Curve, error)
}

type Associator interface {
	Connect(ctx context.Context, ssid, pass string, opts wifi.ConnectOptions) (wifi.Association, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, p transport.Payload, mode transport.Mode) transport.Result
}

// Switch is a digital output (sensor power, LED).
type Switch interface {
	Set(on bool) error
}

type Network struct {
	SSID string
	Pass string
}

type Config struct {
	Mode           transport.Mode
	UpdateInterval time.Duration
	Smoothing      int
	// LowBatteryPercent lights the LED when the reading is below it.
	LowBatteryPercent int
	// Station is joined in broker mode, Companion (the fermenter's AP) in
	// direct mode.
	Station   Network
	Companion Network
}

// Deps are the pipeline's collaborators. Thermometer, SensorPower and LED
// may be nil.
type Deps struct {
	Tilt        TiltReader
	Battery     BatteryReader
	Thermometer Thermometer
	Curve       CurveLoader
	WiFi        Associator
	Transport   Deliverer
	SensorPower Switch
	LED         Switch
}

type Report struct {
	Tilt        fusion.Tilt            `json:"tilt"`
	Battery     *fusion.BatteryReading `json:"battery,omitempty"`
	Curve       calibration.Curve      `json:"curve"`
	Payload     transport.Payload      `json:"-"`
	Association *wifi.Association      `json:"association,omitempty"`
	Result      *transport.Result      `json:"result,omitempty"`
	Skipped     string                 `json:"skipped,omitempty"`
}

type Pipeline struct {
	log  *zap.SugaredLogger
	cfg  Config
	deps Deps
}

func New(log *zap.SugaredLogger, cfg Config, deps Deps) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Mode == "" {
		cfg.Mode = transport.ModeDirect
	}
	return &Pipeline{log: log, cfg: cfg, deps: deps}
}

// RunOnce performs one cycle. Sensor faults, association failures and
// delivery failures are logged and reflected in the Report; only a missing
// calibration or missing network credentials return an error, and both are
// detected before any network activity.
func (p *Pipeline) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	tilt, bat, tiltErr := p.sample(ctx)
	rep.Battery = bat

	// Checked before the tilt outcome: a device without a usable curve goes
	// back to Calibration even when the accelerometer is faulting.
	curve, err := p.deps.Curve.Load()
	if err != nil {
		// An unreadable record is treated like a missing one.
		return rep, fmt.Errorf("%w: %v", ErrCalibrationRequired, err)
	}
	rep.Curve = curve

	if tiltErr != nil {
		p.log.Warnw("tilt reading failed, nothing to report", "error", tiltErr)
		rep.Skipped = "tilt: " + tiltErr.Error()
		return rep, nil
	}
	rep.Tilt = tilt

	net := p.network()
	if strings.TrimSpace(net.SSID) == "" {
		return rep, fmt.Errorf("%w: no ssid for %s transport", ErrNetworkNotConfigured, p.cfg.Mode)
	}

	sg := curve.SpecificGravity(tilt.Beta)
	angle := tilt.Beta
	payload := transport.Payload{
		SpecificGravity: sg,
		AngleDeg:        &angle,
		UpdateInterval:  p.cfg.UpdateInterval,
	}
	if bat != nil {
		pct := bat.Percent
		payload.BatteryPercent = &pct
		if bat.CellMillivolts > 0 {
			mv := bat.CellMillivolts
			payload.BatteryMillivolts = &mv
		}
		if p.cfg.LowBatteryPercent > 0 && pct < p.cfg.LowBatteryPercent {
			p.log.Warnw("battery low", "percent", pct)
			if p.deps.LED != nil {
				_ = p.deps.LED.Set(true)
			}
		}
	}
	if t, ok := p.temperature(ctx); ok {
		payload.TemperatureC = &t
	}
	rep.Payload = payload
	p.log.Infow("measurement", "tilt", tilt.Beta, "sg", sg, "unit", curve.Unit, "battery", payload.BatteryPercent)

	assoc, err := p.deps.WiFi.Connect(ctx, net.SSID, net.Pass, wifi.ConnectOptions{})
	if err != nil {
		p.log.Warnw("association failed, skipping delivery", "ssid", net.SSID, "error", err)
		rep.Skipped = "wifi: " + err.Error()
		return rep, nil
	}
	rep.Association = &assoc
	if assoc.Fallback {
		p.log.Warnw("joined last-good network instead", "wanted", net.SSID, "joined", assoc.SSID)
	}

	res := p.deps.Transport.Deliver(ctx, payload, p.cfg.Mode)
	rep.Result = &res
	return rep, nil
}

// sample powers the sensors only for as long as it takes to read them.
func (p *Pipeline) sample(ctx context.Context) (fusion.Tilt, *fusion.BatteryReading, error) {
	if p.deps.SensorPower != nil {
		if err := p.deps.SensorPower.Set(true); err != nil {
			p.log.Warnw("sensor power on failed", "error", err)
		}
		defer func() {
			if err := p.deps.SensorPower.Set(false); err != nil {
				p.log.Warnw("sensor power off failed", "error", err)
			}
		}()
	}

	var bat *fusion.BatteryReading
	if p.deps.Battery != nil {
		r, err := p.deps.Battery.Read(ctx)
		if err != nil {
			p.log.Warnw("battery reading failed", "error", err)
		} else {
			bat = &r
		}
	}

	if p.deps.Tilt == nil {
		return fusion.Tilt{}, bat, fusion.ErrNoReading
	}
	tilt, err := p.deps.Tilt.SmoothedTilt(ctx, p.cfg.Smoothing)
	return tilt, bat, err
}

func (p *Pipeline) temperature(ctx context.Context) (float64, bool) {
	if p.deps.Thermometer == nil {
		return 0, false
	}
	c, err := p.deps.Thermometer.ReadCelsius(ctx)
	if err != nil {
		p.log.Infow("temperature probe unavailable", "error", err)
		return 0, false
	}
	return c, true
}

func (p *Pipeline) network() Network {
	if p.cfg.Mode == transport.ModeBroker {
		return p.cfg.Station
	}
	return p.cfg.Companion
}
