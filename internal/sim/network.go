package sim

import (
	"context"
	"sync"

	"hydrometer/internal/wifi"
)

// Network stands in for the Wi-Fi radio on a workstation. Every visible
// network accepts any passphrase.
type Network struct {
	Visible []wifi.Network

	mu     sync.Mutex
	apSSID string
	joined string
}

func (n *Network) StartAP(_ context.Context, ssid, _, _ string) error {
	n.mu.Lock()
	n.apSSID = ssid
	n.mu.Unlock()
	return nil
}

func (n *Network) Connect(ctx context.Context, ssid, _ string, _ wifi.ConnectOptions) (wifi.Association, error) {
	if err := ctx.Err(); err != nil {
		return wifi.Association{}, err
	}
	if !n.visible(ssid) {
		return wifi.Association{}, wifi.ErrNotFound
	}
	n.mu.Lock()
	n.joined = ssid
	n.mu.Unlock()
	return wifi.Association{SSID: ssid, IP: "127.0.0.1"}, nil
}

func (n *Network) Scan(context.Context) ([]wifi.Network, error) {
	return append([]wifi.Network(nil), n.Visible...), nil
}

func (n *Network) Status(context.Context) (wifi.Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := wifi.Status{APSSID: n.apSSID, ClientSSID: n.joined}
	if n.joined != "" {
		st.ClientState = "activated"
		st.ClientIP = "127.0.0.1"
	}
	return st, nil
}

func (n *Network) visible(ssid string) bool {
	for _, v := range n.Visible {
		if v.SSID == ssid {
			return true
		}
	}
	return false
}
