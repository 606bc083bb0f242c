package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hydrometer/internal/config"
	"hydrometer/internal/wifi"
)

type APPayload struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

type NetworkPayload struct {
	SSID string `json:"ssid"`
	Pass string `json:"pass"`
}

type CompanionPayload struct {
	SSID string `json:"ssid"`
	Pass string `json:"pass"`
	URL  string `json:"url"`
}

type BrokerPayload struct {
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
}

// SettingsPayload is the operator-editable view of config.Settings.
type SettingsPayload struct {
	MeasurementInterval string           `json:"measurement_interval"`
	Transport           string           `json:"transport"`
	AP                  APPayload        `json:"ap"`
	WiFi                NetworkPayload   `json:"wifi"`
	Companion           CompanionPayload `json:"companion"`
	Broker              BrokerPayload    `json:"broker"`
}

// SettingsPayloadIn is the strict POST schema.
//
// All fields are required (no partial updates) to avoid hidden defaults and
// prevent accidental schema drift.
type SettingsPayloadIn struct {
	MeasurementInterval *string           `json:"measurement_interval"`
	Transport           *string           `json:"transport"`
	AP                  *APPayload        `json:"ap"`
	WiFi                *NetworkPayload   `json:"wifi"`
	Companion           *CompanionPayload `json:"companion"`
	Broker              *BrokerPayload    `json:"broker"`
}

var settingsPostKeys = []string{
	"measurement_interval",
	"transport",
	"ap",
	"wifi",
	"companion",
	"broker",
}

type settingsResponse struct {
	SettingsPayload
	WiFiList  []wifi.Network `json:"wifiList,omitempty"`
	WiFiError string         `json:"wifi_error,omitempty"`
}

func decodeSettingsPayloadInStrict(body []byte) (SettingsPayloadIn, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	// First pass: stream tokens to enforce strict object rules and detect duplicate keys.
	allowed := make(map[string]struct{}, len(settingsPostKeys))
	for _, k := range settingsPostKeys {
		allowed[k] = struct{}{}
	}
	seen := make(map[string]struct{}, len(settingsPostKeys))

	tok, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected object")
	}

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return SettingsPayloadIn{}, errors.New("invalid json: expected string key")
		}
		if _, ok := allowed[key]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: unknown key %q", key)
		}
		if _, dup := seen[key]; dup {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = struct{}{}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
		}
		if strings.TrimSpace(string(raw)) == "null" {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}

	end, err := dec.Token()
	if err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	delim, ok = end.(json.Delim)
	if !ok || delim != '}' {
		return SettingsPayloadIn{}, errors.New("invalid json: expected end of object")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SettingsPayloadIn{}, errors.New("invalid json: trailing data")
	}

	for _, k := range settingsPostKeys {
		if _, ok := seen[k]; !ok {
			return SettingsPayloadIn{}, fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	// Second pass: decode into the typed struct. Nested unknown keys fail here.
	var out SettingsPayloadIn
	dec2 := json.NewDecoder(bytes.NewReader(body))
	dec2.DisallowUnknownFields()
	if err := dec2.Decode(&out); err != nil {
		return SettingsPayloadIn{}, fmt.Errorf("invalid json: %w", err)
	}
	return out, nil
}

func settingsToPayload(s config.Settings) SettingsPayload {
	return SettingsPayload{
		MeasurementInterval: s.MeasurementInterval.String(),
		Transport:           s.Transport,
		AP:                  APPayload{SSID: s.AP.SSID, Password: s.AP.Password},
		WiFi:                NetworkPayload{SSID: s.WiFi.SSID, Pass: s.WiFi.Pass},
		Companion:           CompanionPayload{SSID: s.Companion.SSID, Pass: s.Companion.Pass, URL: s.Companion.URL},
		Broker: BrokerPayload{
			Addr:     s.Broker.Addr,
			Port:     s.Broker.Port,
			Username: s.Broker.Username,
			Password: s.Broker.Password,
			Topic:    s.Broker.Topic,
		},
	}
}

// applySettingsPayload copies p onto s. Validation of the result is left to
// config.DefaultAndValidate.
func applySettingsPayload(s *config.Settings, p SettingsPayloadIn) error {
	if s == nil {
		return errors.New("settings is nil")
	}
	intervalStr := strings.TrimSpace(*p.MeasurementInterval)
	d, err := time.ParseDuration(intervalStr)
	if err != nil {
		return fmt.Errorf("invalid measurement_interval %q: %w", intervalStr, err)
	}
	if d <= 0 {
		return fmt.Errorf("measurement_interval must be > 0")
	}
	s.MeasurementInterval = d
	s.Transport = *p.Transport
	s.AP.SSID = strings.TrimSpace(p.AP.SSID)
	s.AP.Password = p.AP.Password
	s.WiFi.SSID = strings.TrimSpace(p.WiFi.SSID)
	s.WiFi.Pass = p.WiFi.Pass
	s.Companion.SSID = strings.TrimSpace(p.Companion.SSID)
	s.Companion.Pass = p.Companion.Pass
	s.Companion.URL = strings.TrimSpace(p.Companion.URL)
	s.Broker.Addr = strings.TrimSpace(p.Broker.Addr)
	s.Broker.Port = p.Broker.Port
	s.Broker.Username = p.Broker.Username
	s.Broker.Password = p.Broker.Password
	s.Broker.Topic = p.Broker.Topic
	return nil
}

// SettingsStore reads and writes the YAML config at ConfigPath. Saved
// settings take effect on the next boot.
type SettingsStore struct {
	ConfigPath string
}

func (s SettingsStore) load() (config.Config, error) {
	return config.Load(s.ConfigPath)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.Settings.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return
	}
	cfg, err := s.Settings.load()
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	resp := settingsResponse{SettingsPayload: settingsToPayload(cfg.Settings)}
	if s.Surface == SurfaceCalibration {
		nets, err := s.scan(r.Context())
		resp.WiFiList = nets
		if err != nil {
			resp.WiFiError = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSettingsPost(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.Settings.ConfigPath) == "" {
		http.Error(w, "settings not available (no config path)", http.StatusNotImplemented)
		return
	}
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	// Small config payload; cap to prevent unbounded reads.
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read failed: %v", err), http.StatusBadRequest)
		return
	}
	p, err := decodeSettingsPayloadInStrict(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := s.Settings.load()
	if err != nil {
		http.Error(w, fmt.Sprintf("load failed: %v", err), http.StatusInternalServerError)
		return
	}
	if err := applySettingsPayload(&cfg.Settings, p); err != nil {
		http.Error(w, fmt.Sprintf("invalid settings: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	if err := config.Save(s.Settings.ConfigPath, cfg); err != nil {
		http.Error(w, fmt.Sprintf("save failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.log().Infow("settings saved", "transport", cfg.Settings.Transport, "interval", cfg.Settings.MeasurementInterval)
	writeJSON(w, http.StatusOK, settingsToPayload(cfg.Settings))
}
