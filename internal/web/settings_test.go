package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hydrometer/internal/config"
	"hydrometer/internal/wifi"
)

func writeTempConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte("device:\n  state_dir: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return p
}

const validSettingsBody = `{
  "measurement_interval": "30m",
  "transport": "broker",
  "ap": {"ssid": "Hydro", "password": ""},
  "wifi": {"ssid": "brewhouse", "pass": "hunter22"},
  "companion": {"ssid": "", "pass": "", "url": "http://192.168.4.1/gravity"},
  "broker": {"addr": "10.0.0.2", "port": 1883, "username": "", "password": "", "topic": "brew/fv1/"}
}`

func TestSettingsGET_IncludesWiFiList(t *testing.T) {
	cfgPath := writeTempConfigFile(t)
	w := &fakeWiFi{nets: []wifi.Network{{SSID: "brewhouse", Signal: 70}}}
	ts, _ := newTestServer(t, &Server{Settings: SettingsStore{ConfigPath: cfgPath}, WiFi: w})

	code, body := get(t, ts.URL+"/settings")
	if code != http.StatusOK {
		t.Fatalf("code=%d body=%s", code, body)
	}
	for _, want := range []string{`"measurement_interval": "15m0s"`, `"transport": "direct"`, `"wifiList"`, "brewhouse"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %s: %s", want, body)
		}
	}
}

func TestSettingsPOST_Saves(t *testing.T) {
	cfgPath := writeTempConfigFile(t)
	ts, _ := newTestServer(t, &Server{Settings: SettingsStore{ConfigPath: cfgPath}})

	if code, body := post(t, ts.URL+"/settings", validSettingsBody); code != http.StatusOK {
		t.Fatalf("code=%d body=%s", code, body)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	s := cfg.Settings
	if s.MeasurementInterval != 30*time.Minute || s.Transport != config.TransportBroker {
		t.Fatalf("settings=%+v", s)
	}
	if s.WiFi.SSID != "brewhouse" || s.WiFi.Pass != "hunter22" || s.Broker.Topic != "brew/fv1" {
		t.Fatalf("settings=%+v", s)
	}
}

func TestSettingsPOST_Strict(t *testing.T) {
	cfgPath := writeTempConfigFile(t)
	before, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	ts, _ := newTestServer(t, &Server{Settings: SettingsStore{ConfigPath: cfgPath}})

	cases := map[string]string{
		"MissingKey":      `{"measurement_interval":"30m"}`,
		"UnknownKey":      strings.Replace(validSettingsBody, `"transport"`, `"transprot"`, 1),
		"NestedUnknown":   strings.Replace(validSettingsBody, `"pass": "hunter22"`, `"pasword": "hunter22"`, 1),
		"Null":            strings.Replace(validSettingsBody, `"transport": "broker"`, `"transport": null`, 1),
		"BadInterval":     strings.Replace(validSettingsBody, `"30m"`, `"soon"`, 1),
		"BrokerNoAddr":    strings.Replace(validSettingsBody, `"addr": "10.0.0.2"`, `"addr": ""`, 1),
		"BadTransport":    strings.Replace(validSettingsBody, `"broker",`, `"pigeon",`, 1),
		"ControlChars":    strings.Replace(validSettingsBody, `"ssid": "brewhouse"`, `"ssid": "brew\nhouse"`, 1),
		"DuplicateKey":    strings.Replace(validSettingsBody, `"transport": "broker",`, `"transport": "broker", "transport": "direct",`, 1),
		"TrailingGarbage": validSettingsBody + "{}",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if code, resp := post(t, ts.URL+"/settings", body); code != http.StatusBadRequest {
				t.Fatalf("code=%d want 400 body=%s", code, resp)
			}
		})
	}

	resp, err := http.Post(ts.URL+"/settings", "text/plain", strings.NewReader(validSettingsBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("content-type code=%d want 415", resp.StatusCode)
	}

	after, _ := os.ReadFile(cfgPath)
	if string(after) != string(before) {
		t.Fatalf("config changed by rejected posts")
	}
}

func TestSettings_NoConfigPath(t *testing.T) {
	ts, _ := newTestServer(t, &Server{})
	if code, _ := get(t, ts.URL+"/settings"); code != http.StatusNotImplemented {
		t.Fatalf("code=%d want 501", code)
	}
}
