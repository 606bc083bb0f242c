package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"hydrometer/internal/config"
	"hydrometer/internal/wifi"
)

type wifiListResponse struct {
	WiFiList  []wifi.Network `json:"wifiList"`
	LastError string         `json:"last_error,omitempty"`
}

type wifiJoinRequest struct {
	SSID string `json:"ssid"`
	Pass string `json:"pass"`
}

func (s *Server) scan(ctx context.Context) ([]wifi.Network, error) {
	if s.WiFi == nil {
		return []wifi.Network{}, errors.New("wifi unavailable")
	}
	nets, err := s.WiFi.Scan(ctx)
	if nets == nil {
		nets = []wifi.Network{}
	}
	return nets, err
}

func (s *Server) handleWiFiGet(w http.ResponseWriter, r *http.Request) {
	nets, err := s.scan(r.Context())
	resp := wifiListResponse{WiFiList: nets}
	if err != nil {
		resp.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWiFiPost(w http.ResponseWriter, r *http.Request) {
	if s.WiFi == nil {
		http.Error(w, "wifi unavailable", http.StatusServiceUnavailable)
		return
	}
	var req wifiJoinRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.SSID = strings.TrimSpace(req.SSID)
	if req.SSID == "" {
		http.Error(w, "ssid is required", http.StatusBadRequest)
		return
	}
	a, err := s.WiFi.Connect(r.Context(), req.SSID, req.Pass, wifi.ConnectOptions{Verify: true})
	if err != nil {
		s.log().Warnw("station join failed", "ssid", req.SSID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type mqttTestRequest struct {
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Topic    string `json:"topic"`
}

func (s *Server) handleMQTTTest(w http.ResponseWriter, r *http.Request) {
	if s.MQTTTest == nil {
		http.Error(w, "mqtt unavailable", http.StatusServiceUnavailable)
		return
	}
	var req mqttTestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	b := config.BrokerConfig{
		Addr:     strings.TrimSpace(req.Addr),
		Port:     req.Port,
		Username: req.Username,
		Password: req.Password,
		Topic:    strings.TrimSuffix(strings.TrimSpace(req.Topic), "/"),
	}
	if b.Port == 0 {
		b.Port = 1883
	}
	if b.Addr == "" || b.Topic == "" {
		http.Error(w, "addr and topic are required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	if err := s.MQTTTest(ctx, b); err != nil {
		s.log().Warnw("mqtt test failed", "broker", b.Addr, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log().Infow("mqtt test message sent", "broker", b.Addr, "topic", b.Topic)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
