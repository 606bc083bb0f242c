package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hydrometer/internal/calibration"
	"hydrometer/internal/config"
	"hydrometer/internal/fusion"
	"hydrometer/internal/gpio"
	"hydrometer/internal/i2c"
	"hydrometer/internal/power"
	"hydrometer/internal/sensors/adc"
	"hydrometer/internal/sensors/ds18b20"
	"hydrometer/internal/sensors/mpu6050"
	"hydrometer/internal/sim"
	"hydrometer/internal/telemetry"
	"hydrometer/internal/web"
	"hydrometer/internal/wifi"
)

const switchDebounce = 50 * time.Millisecond

// network is the radio as both the modes and the control surface see it.
type network interface {
	power.Network
	web.WiFi
}

// hardware is opened once per process and shared by every boot. Any field
// but led, vpp, sw and net may be nil.
type hardware struct {
	accel  fusion.AccelSource
	adc    fusion.ADC
	thermo telemetry.Thermometer
	led    gpio.Output
	vpp    gpio.Output
	sw     gpio.Switch
	net    network

	// hyd is set in simulation only.
	hyd *sim.Hydrometer

	closers []func() error
}

func (h *hardware) Close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		_ = h.closers[i]()
	}
	h.closers = nil
}

func batteryConfig(b config.BatteryConfig) fusion.BatteryConfig {
	return fusion.BatteryConfig{
		Samples:      b.Samples,
		MaxCounts:    b.ADCMaxCounts,
		MaxMV:        b.ADCMaxMV,
		EmptyMV:      b.EmptyMV,
		FullMV:       b.FullMV,
		DividerRatio: b.DividerRatio,
	}
}

// openHardware brings up the board peripherals. Only an unusable GPIO chip
// or radio is fatal; a missing sensor leaves its reading unavailable.
func openHardware(log *zap.SugaredLogger, cfg config.Config) (*hardware, error) {
	hw := &hardware{}
	hc := cfg.Hardware

	if bus, err := i2c.Open(hc.I2CBus); err != nil {
		log.Errorw("i2c bus unavailable; tilt disabled", "bus", hc.I2CBus, "error", err)
	} else {
		hw.closers = append(hw.closers, bus.Close)
		if err := openAccel(log, hw, bus.Dev(hc.AccelAddr)); err != nil {
			log.Errorw("accelerometer unavailable; tilt disabled", "addr", fmt.Sprintf("0x%02X", hc.AccelAddr), "error", err)
		}
	}

	if p := strings.TrimSpace(hc.Battery.ADCPath); p != "" {
		ch, err := adc.Open(p)
		if err != nil {
			log.Warnw("battery adc unavailable", "path", p, "error", err)
		} else {
			hw.adc = ch
		}
	}

	if hc.Temperature.Enable {
		probe, err := ds18b20.New(hc.Temperature.W1Dir, hc.Temperature.ROM)
		if err != nil {
			log.Warnw("temperature probe unavailable", "rom", hc.Temperature.ROM, "error", err)
		} else {
			log.Infow("temperature probe", "id", probe.ID())
			hw.thermo = probe
		}
	}

	hw.led = openOutput(log, hw, "led", hc.LEDPin)
	hw.vpp = openOutput(log, hw, "sensor_power", hc.VPPPin)
	hw.sw = openSwitch(log, hw, hc.ModePin)
	hw.net = wifi.NewStation(log.Named("wifi"), wifi.Options{})
	return hw, nil
}

func openAccel(log *zap.SugaredLogger, hw *hardware, dev *i2c.Dev) error {
	acc, err := mpu6050.New(dev)
	if err != nil {
		return err
	}
	log.Infow("accelerometer ready", "model", acc.Model())
	hw.accel = acc
	hw.closers = append(hw.closers, acc.Sleep)
	return nil
}

// openOutput falls back to a no-op line when the pin is not wired (0) or
// cannot be requested.
func openOutput(log *zap.SugaredLogger, hw *hardware, name string, pin int) gpio.Output {
	if pin <= 0 {
		return gpio.Nop{}
	}
	out, err := gpio.OpenOutput(pin)
	if err != nil {
		log.Warnw("gpio output unavailable", "name", name, "pin", pin, "error", err)
		return gpio.Nop{}
	}
	hw.closers = append(hw.closers, out.Close)
	return out
}

func openSwitch(log *zap.SugaredLogger, hw *hardware, pin int) gpio.Switch {
	if pin <= 0 {
		return gpio.NopSwitch{}
	}
	sw, err := gpio.OpenSwitch(pin, switchDebounce)
	if err != nil {
		log.Warnw("mode switch unavailable", "pin", pin, "error", err)
		return gpio.NopSwitch{}
	}
	hw.closers = append(hw.closers, sw.Close)
	return sw
}

// simCurve is seeded into an empty calibration store in simulation so the
// boot loop reaches Working without an operator.
var simCurve = calibration.Curve{A: 0.00001, B: 0.0015, C: 0.955, Unit: calibration.UnitSG}

func openSim(log *zap.SugaredLogger, cfg config.Config, opts runtimeOptions) (*hardware, error) {
	script := sim.DefaultScript()
	if opts.SimScript != "" {
		s, err := sim.LoadScript(opts.SimScript)
		if err != nil {
			return nil, err
		}
		script = s
	}
	sc, err := sim.NewScenario(script)
	if err != nil {
		return nil, err
	}

	store := calibration.NewStore(cfg.Device.CalibrationPath)
	curve, err := store.Load()
	if err != nil {
		log.Infow("seeding simulated calibration", "path", store.Path(), "reason", err)
		curve = simCurve
		if err := store.Save(curve); err != nil {
			return nil, fmt.Errorf("seed calibration: %w", err)
		}
	}

	hyd := &sim.Hydrometer{
		Scenario:  sc,
		Curve:     curve,
		Battery:   batteryConfig(cfg.Hardware.Battery),
		Start:     time.Now(),
		Scale:     opts.SimScale,
		WobbleDeg: 0.4,
		Period:    7 * time.Second,
	}
	visible := []wifi.Network{{SSID: "brewhouse", Security: "WPA2", Signal: 72}}
	for _, ssid := range []string{cfg.Settings.WiFi.SSID, cfg.Settings.Companion.SSID} {
		if ssid != "" {
			visible = append(visible, wifi.Network{SSID: ssid, Security: "WPA2", Signal: 80})
		}
	}
	log.Infow("simulation", "scenario", sc.Duration().String(), "scale", opts.SimScale)
	return &hardware{
		accel:  hyd,
		adc:    hyd,
		thermo: hyd,
		led:    gpio.Nop{},
		vpp:    gpio.Nop{},
		sw:     gpio.NopSwitch{},
		net:    &sim.Network{Visible: visible},
		hyd:    hyd,
	}, nil
}

var machineIDPath = "/etc/machine-id"

// deviceID is a short stable suffix for the AP SSID. Without a machine id a
// random one is used for this process.
func deviceID() string {
	if b, err := os.ReadFile(machineIDPath); err == nil {
		id := strings.TrimSpace(string(b))
		if len(id) >= 6 {
			return strings.ToUpper(id[len(id)-6:])
		}
	}
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}

func apSSID(base, id string) string {
	if id == "" {
		return base
	}
	return base + "-" + id
}
