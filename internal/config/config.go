package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportDirect = "direct"
	TransportBroker = "broker"
)

type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Hardware HardwareConfig `yaml:"hardware"`
	Settings Settings       `yaml:"settings"`
}

type DeviceConfig struct {
	// Name prefixes the AP SSID and the MQTT client id.
	Name            string      `yaml:"name"`
	StateDir        string      `yaml:"state_dir"`
	CalibrationPath string      `yaml:"calibration_path"`
	Flags           FlagsConfig `yaml:"flags"`

	FirstBootCountdown    time.Duration `yaml:"first_boot_countdown"`
	FirstSleep            time.Duration `yaml:"first_sleep"`
	CalibrationRetryDelay time.Duration `yaml:"calibration_retry_delay"`
	SampleInterval        time.Duration `yaml:"sample_interval"`
	SmoothingSamples      int           `yaml:"smoothing_samples"`
}

type FlagsConfig struct {
	FirstSleep  string `yaml:"first_sleep"`
	DeepSleep   string `yaml:"deep_sleep"`
	Maintenance string `yaml:"maintenance"`
}

type HardwareConfig struct {
	I2CBus    int    `yaml:"i2c_bus"`
	AccelAddr uint16 `yaml:"accel_addr"`

	// BCM GPIO numbering.
	ModePin int `yaml:"mode_pin"`
	LEDPin  int `yaml:"led_pin"`
	VPPPin  int `yaml:"vpp_pin"`

	ResetCausePath   string `yaml:"reset_cause_path"`
	RTCWakealarmPath string `yaml:"rtc_wakealarm_path"`

	Battery     BatteryConfig     `yaml:"battery"`
	Temperature TemperatureConfig `yaml:"temperature"`
}

type BatteryConfig struct {
	ADCPath string `yaml:"adc_path"`
	Samples int    `yaml:"samples"`
	// ADCMaxCounts raw counts correspond to ADCMaxMV millivolts at the pin.
	ADCMaxCounts int     `yaml:"adc_max_counts"`
	ADCMaxMV     float64 `yaml:"adc_max_mv"`
	// Pin voltage at an empty (3.14 V) and a full (4.2 V) LiPo cell.
	EmptyMV      float64 `yaml:"empty_mv"`
	FullMV       float64 `yaml:"full_mv"`
	DividerRatio float64 `yaml:"divider_ratio"`
	LowPercent   int     `yaml:"low_percent"`
}

type TemperatureConfig struct {
	Enable bool   `yaml:"enable"`
	W1Dir  string `yaml:"w1_dir"`
	ROM    string `yaml:"rom"`
}

// Settings is the operator-editable part of the config, exposed over /settings.
type Settings struct {
	MeasurementInterval time.Duration   `yaml:"measurement_interval"`
	AP                  APConfig        `yaml:"ap"`
	WiFi                WiFiConfig      `yaml:"wifi"`
	Transport           string          `yaml:"transport"`
	Companion           CompanionConfig `yaml:"companion"`
	Broker              BrokerConfig    `yaml:"broker"`
	Web                 WebConfig       `yaml:"web"`
}

type APConfig struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	IP       string `yaml:"ip"`
}

type WiFiConfig struct {
	SSID string `yaml:"ssid"`
	Pass string `yaml:"pass"`
}

type CompanionConfig struct {
	SSID    string        `yaml:"ssid"`
	Pass    string        `yaml:"pass"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type BrokerConfig struct {
	Addr     string `yaml:"addr"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads a YAML config. Unknown keys are rejected.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and rejects invalid values.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	d := &cfg.Device
	if strings.TrimSpace(d.Name) == "" {
		d.Name = "Hydrometer"
	}
	if strings.TrimSpace(d.StateDir) == "" {
		return fmt.Errorf("device.state_dir is required")
	}
	if strings.TrimSpace(d.CalibrationPath) == "" {
		d.CalibrationPath = filepath.Join(d.StateDir, "regression.json")
	}
	if d.Flags.FirstSleep == "" {
		d.Flags.FirstSleep = "first-sleep-pending"
	}
	if d.Flags.DeepSleep == "" {
		d.Flags.DeepSleep = "deep-sleep-armed"
	}
	if d.Flags.Maintenance == "" {
		d.Flags.Maintenance = "maintenance-pending"
	}
	names := []string{d.Flags.FirstSleep, d.Flags.DeepSleep, d.Flags.Maintenance}
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if strings.ContainsAny(n, `/\`) || n == "." || n == ".." {
			return fmt.Errorf("device.flags: invalid flag name %q", n)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("device.flags: duplicate flag name %q", n)
		}
		seen[n] = struct{}{}
	}
	if d.FirstBootCountdown <= 0 {
		d.FirstBootCountdown = 60 * time.Second
	}
	if d.FirstSleep <= 0 {
		d.FirstSleep = 20 * time.Minute
	}
	if d.CalibrationRetryDelay <= 0 {
		d.CalibrationRetryDelay = 5 * time.Second
	}
	if d.SampleInterval <= 0 {
		d.SampleInterval = 3 * time.Second
	}
	if d.SmoothingSamples <= 0 {
		d.SmoothingSamples = 3
	}

	h := &cfg.Hardware
	if h.I2CBus <= 0 {
		h.I2CBus = 1
	}
	if h.AccelAddr == 0 {
		h.AccelAddr = 0x68
	}
	if h.AccelAddr > 0x7F {
		return fmt.Errorf("hardware.accel_addr must be a 7-bit address, got 0x%X", h.AccelAddr)
	}
	if h.ModePin < 0 || h.LEDPin < 0 || h.VPPPin < 0 {
		return fmt.Errorf("hardware pins must be >= 0")
	}
	if h.RTCWakealarmPath == "" {
		h.RTCWakealarmPath = "/sys/class/rtc/rtc0/wakealarm"
	}

	bat := &h.Battery
	if bat.Samples <= 0 {
		bat.Samples = 5
	}
	if bat.ADCMaxCounts <= 0 {
		bat.ADCMaxCounts = 1024
	}
	if bat.ADCMaxMV <= 0 {
		bat.ADCMaxMV = 1000
	}
	if bat.EmptyMV == 0 && bat.FullMV == 0 {
		bat.EmptyMV = 567
		bat.FullMV = 758
	}
	if bat.FullMV <= bat.EmptyMV {
		return fmt.Errorf("hardware.battery.full_mv must be > empty_mv")
	}
	if bat.DividerRatio < 0 {
		return fmt.Errorf("hardware.battery.divider_ratio must be >= 0")
	}
	if bat.LowPercent <= 0 {
		bat.LowPercent = 10
	}
	if bat.LowPercent > 100 {
		return fmt.Errorf("hardware.battery.low_percent must be <= 100")
	}

	tc := &h.Temperature
	if tc.W1Dir == "" {
		tc.W1Dir = "/sys/bus/w1/devices"
	}
	if tc.Enable && strings.TrimSpace(tc.ROM) == "" {
		return fmt.Errorf("hardware.temperature.rom is required when hardware.temperature.enable is true")
	}

	return DefaultAndValidateSettings(&cfg.Settings)
}

// DefaultAndValidateSettings covers the operator-editable subset.
//
// Network credentials are allowed to be empty: the device has to boot into
// Calibration mode before an operator can set them.
func DefaultAndValidateSettings(s *Settings) error {
	if s == nil {
		return fmt.Errorf("settings is nil")
	}
	if s.MeasurementInterval == 0 {
		s.MeasurementInterval = 15 * time.Minute
	}
	if s.MeasurementInterval < time.Second {
		return fmt.Errorf("settings.measurement_interval must be >= 1s")
	}
	if strings.TrimSpace(s.AP.SSID) == "" {
		s.AP.SSID = "Hydrometer"
	}
	for _, f := range []struct{ key, val string }{
		{"settings.ap.ssid", s.AP.SSID},
		{"settings.ap.password", s.AP.Password},
		{"settings.wifi.ssid", s.WiFi.SSID},
		{"settings.wifi.pass", s.WiFi.Pass},
		{"settings.companion.ssid", s.Companion.SSID},
		{"settings.companion.pass", s.Companion.Pass},
	} {
		if hasControlChars(f.val) {
			return fmt.Errorf("%s must not contain control characters", f.key)
		}
	}
	if s.AP.Password != "" && len(s.AP.Password) < 8 {
		return fmt.Errorf("settings.ap.password must be empty or at least 8 characters")
	}
	if s.AP.IP == "" {
		s.AP.IP = "192.168.4.1"
	}

	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	if s.Transport == "" {
		s.Transport = TransportDirect
	}
	switch s.Transport {
	case TransportDirect, TransportBroker:
	default:
		return fmt.Errorf("settings.transport must be %q or %q, got %q", TransportDirect, TransportBroker, s.Transport)
	}

	if s.Companion.URL == "" {
		s.Companion.URL = "http://192.168.4.1/gravity"
	}
	if s.Companion.Timeout <= 0 {
		s.Companion.Timeout = 60 * time.Second
	}

	if s.Broker.Port == 0 {
		s.Broker.Port = 1883
	}
	if s.Broker.Port < 0 || s.Broker.Port > 65535 {
		return fmt.Errorf("settings.broker.port out of range: %d", s.Broker.Port)
	}
	s.Broker.Topic = strings.TrimSuffix(strings.TrimSpace(s.Broker.Topic), "/")
	if s.Transport == TransportBroker {
		if strings.TrimSpace(s.Broker.Addr) == "" {
			return fmt.Errorf("settings.broker.addr is required when settings.transport is %q", TransportBroker)
		}
		if s.Broker.Topic == "" {
			return fmt.Errorf("settings.broker.topic is required when settings.transport is %q", TransportBroker)
		}
	}

	if s.Web.Listen == "" {
		s.Web.Listen = ":80"
	}
	return nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			return true
		}
	}
	return false
}

// Save validates cfg and writes it atomically so a power loss never leaves a
// truncated config behind.
func Save(path string, cfg Config) error {
	if err := DefaultAndValidate(&cfg); err != nil {
		return err
	}
	b, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b, 0o644)
}

// WriteFileAtomic writes data to a temp file in the same directory, syncs it
// and renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
