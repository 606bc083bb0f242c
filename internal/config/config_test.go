package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const minimalConfig = "device:\n  state_dir: /tmp/hydrometer\n"

func TestLoad_RequiresStateDir(t *testing.T) {
	path := writeTempConfig(t, "device: {}\n")
	_, err := Load(path)
	requireErrEq(t, err, "device.state_dir is required")
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Device.CalibrationPath != filepath.Join("/tmp/hydrometer", "regression.json") {
		t.Fatalf("calibration_path=%q", cfg.Device.CalibrationPath)
	}
	if cfg.Device.Flags.FirstSleep != "first-sleep-pending" || cfg.Device.Flags.DeepSleep != "deep-sleep-armed" || cfg.Device.Flags.Maintenance != "maintenance-pending" {
		t.Fatalf("flags=%+v", cfg.Device.Flags)
	}
	if cfg.Device.FirstBootCountdown != 60*time.Second {
		t.Fatalf("first_boot_countdown=%s want 60s", cfg.Device.FirstBootCountdown)
	}
	if cfg.Device.FirstSleep != 20*time.Minute {
		t.Fatalf("first_sleep=%s want 20m", cfg.Device.FirstSleep)
	}
	if cfg.Device.CalibrationRetryDelay != 5*time.Second || cfg.Device.SampleInterval != 3*time.Second {
		t.Fatalf("retry=%s sample=%s", cfg.Device.CalibrationRetryDelay, cfg.Device.SampleInterval)
	}
	if cfg.Device.SmoothingSamples != 3 {
		t.Fatalf("smoothing_samples=%d want 3", cfg.Device.SmoothingSamples)
	}
	if cfg.Hardware.AccelAddr != 0x68 || cfg.Hardware.I2CBus != 1 {
		t.Fatalf("accel addr=0x%X bus=%d", cfg.Hardware.AccelAddr, cfg.Hardware.I2CBus)
	}
	bat := cfg.Hardware.Battery
	if bat.Samples != 5 || bat.EmptyMV != 567 || bat.FullMV != 758 || bat.ADCMaxCounts != 1024 {
		t.Fatalf("battery=%+v", bat)
	}
	if cfg.Settings.MeasurementInterval != 15*time.Minute {
		t.Fatalf("measurement_interval=%s want 15m", cfg.Settings.MeasurementInterval)
	}
	if cfg.Settings.Transport != TransportDirect {
		t.Fatalf("transport=%q want direct", cfg.Settings.Transport)
	}
	if cfg.Settings.Companion.URL != "http://192.168.4.1/gravity" {
		t.Fatalf("companion url=%q", cfg.Settings.Companion.URL)
	}
	if cfg.Settings.Broker.Port != 1883 {
		t.Fatalf("broker port=%d", cfg.Settings.Broker.Port)
	}
}

func TestLoad_HexAccelAddr(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+"hardware:\n  accel_addr: 0x69\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Hardware.AccelAddr != 0x69 {
		t.Fatalf("accel_addr=0x%X want 0x69", cfg.Hardware.AccelAddr)
	}
}

func TestLoad_TransportValidation(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{
			name:  "UnknownTransport",
			extra: "settings:\n  transport: carrier-pigeon\n",
			want:  `settings.transport must be "direct" or "broker", got "carrier-pigeon"`,
		},
		{
			name:  "BrokerRequiresAddr",
			extra: "settings:\n  transport: broker\n  broker:\n    topic: beer\n",
			want:  `settings.broker.addr is required when settings.transport is "broker"`,
		},
		{
			name:  "BrokerRequiresTopic",
			extra: "settings:\n  transport: broker\n  broker:\n    addr: 10.0.0.2\n    topic: /\n",
			want:  `settings.broker.topic is required when settings.transport is "broker"`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, minimalConfig+tc.extra)
			_, err := Load(path)
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_BrokerTopicTrailingSlashTrimmed(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+"settings:\n  transport: Broker\n  broker:\n    addr: 10.0.0.2\n    topic: brew/fv1/\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Settings.Transport != TransportBroker {
		t.Fatalf("transport=%q", cfg.Settings.Transport)
	}
	if cfg.Settings.Broker.Topic != "brew/fv1" {
		t.Fatalf("topic=%q want brew/fv1", cfg.Settings.Broker.Topic)
	}
}

func TestLoad_ControlCharsRejected(t *testing.T) {
	cases := []struct {
		name  string
		extra string
		want  string
	}{
		{
			name:  "SSID",
			extra: "settings:\n  wifi:\n    ssid: \"bad\\nssid\"\n",
			want:  "settings.wifi.ssid must not contain control characters",
		},
		{
			name:  "Pass",
			extra: "settings:\n  companion:\n    pass: \"bad\\tpass\"\n",
			want:  "settings.companion.pass must not contain control characters",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, minimalConfig+tc.extra)
			_, err := Load(path)
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_BatteryEndpointsValidated(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+"hardware:\n  battery:\n    empty_mv: 700\n    full_mv: 600\n")
	_, err := Load(path)
	requireErrEq(t, err, "hardware.battery.full_mv must be > empty_mv")
}

func TestLoad_TemperatureRequiresROM(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+"hardware:\n  temperature:\n    enable: true\n")
	_, err := Load(path)
	requireErrEq(t, err, "hardware.temperature.rom is required when hardware.temperature.enable is true")
}

func TestLoad_DuplicateFlagNamesRejected(t *testing.T) {
	path := writeTempConfig(t, "device:\n  state_dir: /tmp/x\n  flags:\n    first_sleep: a\n    deep_sleep: a\n")
	_, err := Load(path)
	requireErrEq(t, err, `device.flags: duplicate flag name "a"`)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	// A misspelled key must fail at load time instead of silently defaulting.
	path := writeTempConfig(t, minimalConfig+"settings:\n  wifi:\n    pasword: x\n")
	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.HasPrefix(err.Error(), "config contains unknown fields:") || !strings.Contains(err.Error(), "pasword") {
		t.Fatalf("err=%v", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")

	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	cfg.Settings.WiFi.SSID = "brewhouse"
	cfg.Settings.WiFi.Pass = "hunter22"
	cfg.Settings.MeasurementInterval = 30 * time.Minute

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Settings.WiFi.SSID != "brewhouse" || got.Settings.WiFi.Pass != "hunter22" {
		t.Fatalf("wifi=%+v", got.Settings.WiFi)
	}
	if got.Settings.MeasurementInterval != 30*time.Minute {
		t.Fatalf("interval=%s", got.Settings.MeasurementInterval)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1", len(entries))
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	err := Save(path, Config{})
	requireErrEq(t, err, "device.state_dir is required")
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("expected no file written, stat err=%v", statErr)
	}
}

func TestLoad_ShippedConfigs(t *testing.T) {
	for _, name := range []string{"hydrometer.yaml", "sim.yaml"} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(filepath.Join("..", "..", "configs", name)); err != nil {
				t.Fatalf("Load() error: %v", err)
			}
		})
	}
}
