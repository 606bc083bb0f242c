package web

import (
	"context"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"hydrometer/internal/wifi"
)

// Status holds the process-lifetime facts shown on /api/status.
type Status struct {
	startUnixNano int64
	device        atomic.Value // string
	stateDir      atomic.Value // string
	sim           atomic.Bool
}

func NewStatus(device string) *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.device.Store(device)
	s.stateDir.Store("")
	return s
}

// SetStatic records the device's fixed facts. Empty values are ignored.
func (s *Status) SetStatic(device, stateDir string, sim bool) {
	if device != "" {
		s.device.Store(device)
	}
	if stateDir != "" {
		s.stateDir.Store(stateDir)
	}
	s.sim.Store(sim)
}

type DiskSnapshot struct {
	Path       string `json:"path"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	AvailBytes uint64 `json:"avail_bytes"`
	LastError  string `json:"last_error,omitempty"`
}

type NetworkSnapshot struct {
	LocalAddrs []string     `json:"local_addrs"`
	WiFi       *wifi.Status `json:"wifi,omitempty"`
	WiFiError  string       `json:"wifi_error,omitempty"`
}

type StatusSnapshot struct {
	Service    string           `json:"service"`
	Device     string           `json:"device"`
	NowUTC     string           `json:"now_utc"`
	UptimeSec  int64            `json:"uptime_sec"`
	Sim        bool             `json:"sim"`
	Mode       string           `json:"mode,omitempty"`
	ResetCause string           `json:"reset_cause,omitempty"`
	Tilt       *TiltSnapshot    `json:"tilt,omitempty"`
	Disk       *DiskSnapshot    `json:"disk,omitempty"`
	Network    *NetworkSnapshot `json:"network,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	snap := StatusSnapshot{
		Service:   "hydrometer",
		Device:    s.device.Load().(string),
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Sim:       s.sim.Load(),
	}
	if dir := s.stateDir.Load().(string); dir != "" {
		snap.Disk = snapshotDisk(dir)
	}
	snap.Network = &NetworkSnapshot{LocalAddrs: localAddrs()}
	return snap
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Status.Snapshot(time.Now().UTC())
	if s.State != nil {
		snap.Mode = s.State.State().String()
		snap.ResetCause = s.State.Cause().String()
	}
	if s.Tilt != nil {
		if smp, ok := s.Tilt.Latest(); ok {
			ts := snapshotOf(smp)
			snap.Tilt = &ts
		}
	}
	if s.WiFi != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		st, err := s.WiFi.Status(ctx)
		cancel()
		if err != nil {
			snap.Network.WiFiError = err.Error()
		} else {
			snap.Network.WiFi = &st
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

// localAddrs lists the routable IPv4 addresses, AP and station both.
func localAddrs() []string {
	out := []string{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, iface.Name+": "+ipnet.String())
		}
	}
	sort.Strings(out)
	return out
}
