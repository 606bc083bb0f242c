package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"hydrometer/internal/calibration"
	"hydrometer/internal/config"
	"hydrometer/internal/flags"
	"hydrometer/internal/fusion"
	"hydrometer/internal/platform"
	"hydrometer/internal/power"
	"hydrometer/internal/telemetry"
	"hydrometer/internal/transport"
	"hydrometer/internal/web"
)

// causeMarkerName is the file in the state dir that carries the next boot's
// reset cause on boards without a PMIC cause file.
const causeMarkerName = "next-reset-cause"

type runtimeOptions struct {
	ConfigPath string
	Sim        bool
	SimScale   float64
	SimScript  string
	Logs       web.LogSource
}

// app owns the process-lifetime pieces. Everything derived from the
// config is rebuilt per boot, so settings saved over HTTP apply on the next
// one.
type app struct {
	log    *zap.SugaredLogger
	opts   runtimeOptions
	hw     *hardware
	plat   platform.Platform
	status *web.Status
	tilts  *web.TiltBroadcaster
	devID  string
	// retry is the reset delay used when a boot cannot be wired. It tracks
	// the last config that loaded.
	retry time.Duration
}

func newRuntime(ctx context.Context, log *zap.SugaredLogger, cfg config.Config, opts runtimeOptions) (*app, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if opts.SimScale <= 0 {
		opts.SimScale = 1
	}
	r := &app{
		log:    log,
		opts:   opts,
		status: web.NewStatus(cfg.Device.Name),
		tilts:  web.NewTiltBroadcaster(),
		devID:  deviceID(),
		retry:  cfg.Device.CalibrationRetryDelay,
	}
	r.status.SetStatic(cfg.Device.Name, cfg.Device.StateDir, opts.Sim)

	var err error
	if opts.Sim {
		r.hw, err = openSim(log.Named("sim"), cfg, opts)
		r.plat = platform.NewSim(log.Named("platform"), opts.SimScale)
	} else {
		r.hw, err = openHardware(log.Named("hw"), cfg)
		r.plat = platform.NewLinux(log.Named("platform"), platform.LinuxConfig{
			ResetCausePath:  cfg.Hardware.ResetCausePath,
			CauseMarkerPath: filepath.Join(cfg.Device.StateDir, causeMarkerName),
			WakealarmPath:   cfg.Hardware.RTCWakealarmPath,
		})
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		r.hw.Close()
		return nil, err
	}
	return r, nil
}

func (r *app) Close() {
	if r.hw != nil {
		r.hw.Close()
	}
}

// Run boots until the platform stops returning. On hardware that is after
// the first deep sleep or reset; the simulator keeps booting.
func (r *app) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.boot(ctx); err != nil {
			return err
		}
		if !r.opts.Sim {
			return nil
		}
	}
}

// boot runs one power cycle. A boot that cannot be wired still ends in a
// delayed reset so the device retries instead of idling awake.
func (r *app) boot(ctx context.Context) error {
	cfg, err := config.Load(r.opts.ConfigPath)
	if err != nil {
		return r.resetAfter(ctx, "config failure", fmt.Errorf("config reload: %w", err))
	}
	if cfg.Device.CalibrationRetryDelay > 0 {
		r.retry = cfg.Device.CalibrationRetryDelay
	}
	ctrl, err := r.build(cfg)
	if err != nil {
		reason := "boot wiring failure"
		if errors.Is(err, flags.ErrIO) {
			reason = "flag store failure"
		}
		return r.resetAfter(ctx, reason, err)
	}
	act, err := ctrl.Boot(ctx)
	if err != nil {
		r.log.Errorw("boot failed", "state", ctrl.State().String(), "error", err)
	}
	r.log.Infow("boot finished", "cause", ctrl.Cause().String(), "state", ctrl.State().String(), "action", act.String())
	return r.plat.Execute(ctx, act)
}

func (r *app) resetAfter(ctx context.Context, reason string, cause error) error {
	r.log.Errorw("boot aborted", "reason", reason, "error", cause)
	return r.plat.Execute(ctx, power.Action{Kind: power.ActionReset, Delay: r.retry, Reason: reason})
}

// build wires one boot's controller from cfg.
func (r *app) build(cfg config.Config) (*power.Controller, error) {
	d := cfg.Device
	store, err := flags.Open(d.StateDir, d.Flags.FirstSleep, d.Flags.DeepSleep, d.Flags.Maintenance)
	if err != nil {
		return nil, err
	}
	curves := calibration.NewStore(d.CalibrationPath)
	if r.hw.hyd != nil {
		if c, err := curves.Load(); err == nil {
			r.hw.hyd.Curve = c
		}
	}

	var (
		tiltReader telemetry.TiltReader
		sampleSrc  power.TiltReader
	)
	if r.hw.accel != nil {
		reader := fusion.NewReader(r.hw.accel)
		tiltReader, sampleSrc = reader, reader
	}
	var battery telemetry.BatteryReader
	if r.hw.adc != nil {
		battery = fusion.NewBattery(r.hw.adc, batteryConfig(cfg.Hardware.Battery))
	}

	pipeline := telemetry.New(r.log.Named("telemetry"), telemetry.Config{
		Mode:              transportMode(cfg.Settings.Transport),
		UpdateInterval:    cfg.Settings.MeasurementInterval,
		Smoothing:         d.SmoothingSamples,
		LowBatteryPercent: cfg.Hardware.Battery.LowPercent,
		Station:           telemetry.Network{SSID: cfg.Settings.WiFi.SSID, Pass: cfg.Settings.WiFi.Pass},
		Companion:         telemetry.Network{SSID: cfg.Settings.Companion.SSID, Pass: cfg.Settings.Companion.Pass},
	}, telemetry.Deps{
		Tilt:        tiltReader,
		Battery:     battery,
		Thermometer: r.hw.thermo,
		Curve:       curves,
		WiFi:        r.hw.net,
		Transport:   transport.New(r.log.Named("transport"), transportConfig(cfg)),
		SensorPower: r.hw.vpp,
		LED:         r.hw.led,
	})

	sampler := power.NewSampler(r.log.Named("sampler"), sampleSrc, power.SamplerConfig{
		Interval:  d.SampleInterval,
		Smoothing: d.SmoothingSamples,
		OnSample:  r.tilts.Publish,
	})

	calSrv := r.server(cfg, web.SurfaceCalibration, sampler, curves)
	maintSrv := r.server(cfg, web.SurfaceMaintenance, sampler, curves)

	ap := power.APSettings{
		SSID:     apSSID(cfg.Settings.AP.SSID, r.devID),
		Password: cfg.Settings.AP.Password,
		IP:       cfg.Settings.AP.IP,
	}
	station := power.StationSettings{SSID: cfg.Settings.WiFi.SSID, Pass: cfg.Settings.WiFi.Pass}

	countdown := d.FirstBootCountdown
	if r.opts.Sim {
		countdown = time.Duration(float64(countdown) / r.opts.SimScale)
		if countdown < time.Second {
			countdown = time.Second
		}
	}

	ctrl := power.New(r.log.Named("power"), power.Config{
		Flags: power.FlagNames{
			FirstSleep:  d.Flags.FirstSleep,
			DeepSleep:   d.Flags.DeepSleep,
			Maintenance: d.Flags.Maintenance,
		},
		FirstBootCountdown:    countdown,
		FirstSleep:            d.FirstSleep,
		MeasurementInterval:   cfg.Settings.MeasurementInterval,
		CalibrationRetryDelay: d.CalibrationRetryDelay,
	}, power.Deps{
		Flags:   store,
		Cause:   r.plat,
		Working: pipeline,
		Calibration: &power.CalibrationMode{
			Log:         r.log.Named("calibration"),
			LED:         r.hw.led,
			SensorPower: r.hw.vpp,
			Network:     r.hw.net,
			AP:          ap,
			Station:     station,
			Sampler:     sampler,
			Server:      calSrv,
		},
		Maintenance: &power.MaintenanceMode{
			Log:     r.log.Named("maintenance"),
			Network: r.hw.net,
			AP:      ap,
			Station: station,
			Server:  maintSrv,
		},
		LED:    r.hw.led,
		Switch: r.hw.sw,
	})
	calSrv.State = ctrl
	maintSrv.State = ctrl
	return ctrl, nil
}

func (r *app) server(cfg config.Config, surface web.Surface, sampler *power.Sampler, curves *calibration.Store) *web.Server {
	return &web.Server{
		Log:      r.log.Named("web"),
		Listen:   cfg.Settings.Web.Listen,
		Surface:  surface,
		Status:   r.status,
		Settings: web.SettingsStore{ConfigPath: r.opts.ConfigPath},
		Tilt:     sampler,
		Tilts:    r.tilts,
		Curves:   curves,
		WiFi:     r.hw.net,
		MQTTTest: mqttTester(r.log.Named("mqtttest"), cfg.Device.Name),
		Logs:     r.opts.Logs,
	}
}

func transportMode(s string) transport.Mode {
	if s == config.TransportBroker {
		return transport.ModeBroker
	}
	return transport.ModeDirect
}

func brokerConfig(b config.BrokerConfig) transport.BrokerConfig {
	return transport.BrokerConfig{
		Addr:     b.Addr,
		Port:     b.Port,
		Username: b.Username,
		Password: b.Password,
		Topic:    b.Topic,
		ClientID: b.ClientID,
	}
}

func transportConfig(cfg config.Config) transport.Config {
	return transport.Config{
		Direct: transport.DirectConfig{
			URL:     cfg.Settings.Companion.URL,
			Timeout: cfg.Settings.Companion.Timeout,
		},
		Broker:     brokerConfig(cfg.Settings.Broker),
		DeviceName: cfg.Device.Name,
	}
}

// mqttTester backs POST /mqtttest with a throwaway deliverer.
func mqttTester(log *zap.SugaredLogger, device string) web.MQTTTester {
	return func(ctx context.Context, b config.BrokerConfig) error {
		return transport.New(log, transport.Config{Broker: brokerConfig(b), DeviceName: device}).PublishTest(ctx)
	}
}
