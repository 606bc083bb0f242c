// Package wifi drives NetworkManager (nmcli) for the station link and the
// configuration access point.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrTimeout      = errors.New("wifi: association timed out")
	ErrNotFound     = errors.New("wifi: network not found")
	ErrNotConnected = errors.New("wifi: not connected")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	settleDelay           = time.Second
)

var sleep = time.Sleep

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type Options struct {
	// Iface is the station interface.
	Iface string
	// APIface is the virtual AP interface created on top of Iface.
	APIface string
	// Connection profile names owned by this process.
	ClientConn string
	APConn     string
}

func (o *Options) defaults() {
	if o.Iface == "" {
		o.Iface = "wlan0"
	}
	if o.APIface == "" {
		o.APIface = "uap0"
	}
	if o.ClientConn == "" {
		o.ClientConn = "HydrometerClient"
	}
	if o.APConn == "" {
		o.APConn = "HydrometerAP"
	}
}

type ConnectOptions struct {
	// Verify scans first and fails fast with ErrNotFound when the SSID is not
	// visible.
	Verify  bool
	Timeout time.Duration
}

type Association struct {
	SSID string `json:"ssid"`
	IP   string `json:"ip,omitempty"`
	// Fallback is set when the requested network timed out and the last-good
	// network was joined instead.
	Fallback bool `json:"fallback,omitempty"`
}

type credentials struct {
	ssid string
	pass string
}

// Station owns the wireless interface. It remembers the last network it
// joined successfully for the lifetime of the process.
type Station struct {
	log  *zap.SugaredLogger
	opts Options
	run  runFunc

	mu       sync.Mutex
	lastGood *credentials
}

func NewStation(log *zap.SugaredLogger, opts Options) *Station {
	opts.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Station{log: log, opts: opts, run: execRun}
}

func (s *Station) nmcli(ctx context.Context, args ...string) ([]byte, error) {
	out, err := s.run(ctx, "nmcli", args...)
	if err != nil {
		return out, fmt.Errorf("nmcli %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Connect joins ssid. Any active association is dropped first and the radio
// is given a moment to settle. When the attempt times out and a different
// last-good network is known, that network is tried once instead.
func (s *Station) Connect(ctx context.Context, ssid, pass string, opts ConnectOptions) (Association, error) {
	if strings.TrimSpace(ssid) == "" {
		return Association{}, fmt.Errorf("wifi: ssid is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultConnectTimeout
	}

	if opts.Verify {
		nets, err := s.Scan(ctx)
		if err != nil {
			return Association{}, err
		}
		if !containsSSID(nets, ssid) {
			return Association{}, fmt.Errorf("%w: %q", ErrNotFound, ssid)
		}
	}

	if st, err := s.Status(ctx); err == nil && st.ClientState == "activated" {
		s.log.Infow("dropping active association", "ssid", st.ClientSSID)
		if err := s.Disconnect(ctx); err != nil {
			s.log.Warnw("disconnect failed", "error", err)
		}
		sleep(settleDelay)
	}

	err := s.associate(ctx, ssid, pass, opts.Timeout)
	if err == nil {
		s.remember(ssid, pass)
		return Association{SSID: ssid, IP: s.clientIP(ctx)}, nil
	}
	if !errors.Is(err, ErrTimeout) {
		return Association{}, err
	}

	lg := s.lastGoodCreds()
	if lg == nil || (lg.ssid == ssid && lg.pass == pass) {
		return Association{}, err
	}
	s.log.Warnw("association timed out, retrying last-good network", "ssid", ssid, "fallback", lg.ssid)
	if ferr := s.associate(ctx, lg.ssid, lg.pass, opts.Timeout); ferr != nil {
		s.log.Warnw("fallback association failed", "ssid", lg.ssid, "error", ferr)
		return Association{}, err
	}
	return Association{SSID: lg.ssid, IP: s.clientIP(ctx), Fallback: true}, nil
}

func (s *Station) associate(ctx context.Context, ssid, pass string, timeout time.Duration) error {
	_, _ = s.run(ctx, "nmcli", "dev", "set", s.opts.Iface, "managed", "yes")
	_, _ = s.run(ctx, "nmcli", "con", "delete", s.opts.ClientConn)

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args := []string{
		"--wait", fmt.Sprint(secs),
		"device", "wifi", "connect", ssid,
		"ifname", s.opts.Iface,
		"name", s.opts.ClientConn,
	}
	if pass != "" {
		args = append(args, "password", pass)
	}
	out, err := s.run(cmdCtx, "nmcli", args...)
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	switch {
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded), strings.Contains(msg, "Timeout"):
		return fmt.Errorf("%w: %q after %s", ErrTimeout, ssid, timeout)
	case strings.Contains(msg, "No network with SSID"):
		return fmt.Errorf("%w: %q", ErrNotFound, ssid)
	default:
		return fmt.Errorf("%w: %q: %v: %s", ErrNotConnected, ssid, err, msg)
	}
}

func (s *Station) remember(ssid, pass string) {
	s.mu.Lock()
	s.lastGood = &credentials{ssid: ssid, pass: pass}
	s.mu.Unlock()
}

func (s *Station) lastGoodCreds() *credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastGood == nil {
		return nil
	}
	c := *s.lastGood
	return &c
}

// LastGood returns the SSID of the last successful association, if any.
func (s *Station) LastGood() string {
	if c := s.lastGoodCreds(); c != nil {
		return c.ssid
	}
	return ""
}

func (s *Station) Disconnect(ctx context.Context) error {
	_, err := s.nmcli(ctx, "dev", "disconnect", s.opts.Iface)
	return err
}

func (s *Station) clientIP(ctx context.Context) string {
	out, err := s.run(ctx, "nmcli", "-g", "IP4.ADDRESS", "dev", "show", s.opts.Iface)
	if err != nil {
		return ""
	}
	ip := strings.TrimSpace(strings.SplitN(string(out), "|", 2)[0])
	if i := strings.IndexByte(ip, '/'); i >= 0 {
		ip = ip[:i]
	}
	return ip
}

// EnsureAPInterface creates the virtual AP interface if it does not exist.
// The AP gets its own MAC derived from the station's with the locally
// administered bit flipped. Requires root.
func (s *Station) EnsureAPInterface(ctx context.Context) error {
	_, _ = s.run(ctx, "ip", "link", "set", s.opts.Iface, "up")
	_, _ = s.run(ctx, "iw", "dev", s.opts.Iface, "set", "power_save", "off")

	if _, err := s.run(ctx, "iw", "dev", s.opts.APIface, "info"); err == nil {
		return nil
	}

	phys, err := net.InterfaceByName(s.opts.Iface)
	if err != nil {
		return fmt.Errorf("wifi: %s not found: %v", s.opts.Iface, err)
	}
	mac := make(net.HardwareAddr, len(phys.HardwareAddr))
	copy(mac, phys.HardwareAddr)
	if len(mac) > 0 {
		mac[0] ^= 0x02
	}
	if out, err := s.run(ctx, "iw", "dev", s.opts.Iface, "interface", "add", s.opts.APIface, "type", "__ap", "addr", mac.String()); err != nil {
		return fmt.Errorf("wifi: create %s: %v: %s", s.opts.APIface, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// StartAP brings up the configuration access point. An empty password makes
// an open network. ip defaults to a /24.
func (s *Station) StartAP(ctx context.Context, ssid, password, ip string) error {
	if strings.TrimSpace(ssid) == "" {
		return fmt.Errorf("wifi: ap ssid is required")
	}
	if err := s.EnsureAPInterface(ctx); err != nil {
		return err
	}
	if ip == "" {
		ip = "192.168.4.1"
	}
	if !strings.Contains(ip, "/") {
		ip += "/24"
	}

	_, _ = s.run(ctx, "nmcli", "con", "delete", s.opts.APConn)

	args := []string{
		"con", "add", "type", "wifi", "ifname", s.opts.APIface, "con-name", s.opts.APConn,
		"autoconnect", "no", "save", "no",
		"ssid", ssid, "mode", "ap",
		"wifi.band", "bg", "wifi.channel", "6",
	}
	if password != "" {
		args = append(args,
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.proto", "rsn",
			"wifi-sec.pairwise", "ccmp",
			"wifi-sec.group", "ccmp",
			"wifi-sec.psk", password,
		)
	}
	if _, err := s.nmcli(ctx, args...); err != nil {
		return fmt.Errorf("wifi: create ap: %w", err)
	}
	if _, err := s.nmcli(ctx, "con", "modify", s.opts.APConn, "ipv4.addresses", ip, "ipv4.method", "shared"); err != nil {
		return fmt.Errorf("wifi: set ap ip: %w", err)
	}
	if _, err := s.nmcli(ctx, "con", "up", s.opts.APConn); err != nil {
		return fmt.Errorf("wifi: ap up: %w", err)
	}
	s.log.Infow("access point up", "ssid", ssid, "ip", ip)
	return nil
}

func (s *Station) StopAP(ctx context.Context) error {
	_, err := s.nmcli(ctx, "con", "down", s.opts.APConn)
	return err
}

type Status struct {
	APSSID      string `json:"ap_ssid"`
	ClientSSID  string `json:"client_ssid"`
	ClientState string `json:"client_state"`
	ClientIP    string `json:"client_ip"`
	LastGood    string `json:"last_good,omitempty"`
}

func (s *Station) Status(ctx context.Context) (Status, error) {
	st := Status{LastGood: s.LastGood()}

	if out, err := s.run(ctx, "nmcli", "-g", "802-11-wireless.ssid", "connection", "show", s.opts.APConn); err == nil {
		st.APSSID = strings.TrimSpace(string(out))
	}

	out, err := s.nmcli(ctx, "-t", "-f", "NAME,TYPE,DEVICE,STATE", "con", "show", "--active")
	if err != nil {
		return st, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		parts := splitTerse(strings.TrimRight(line, "\r"))
		if len(parts) < 4 {
			continue
		}
		if parts[2] != s.opts.Iface || parts[1] != "802-11-wireless" {
			continue
		}
		st.ClientSSID = parts[0]
		if ssid, err := s.run(ctx, "nmcli", "-g", "802-11-wireless.ssid", "connection", "show", parts[0]); err == nil && strings.TrimSpace(string(ssid)) != "" {
			st.ClientSSID = strings.TrimSpace(string(ssid))
		}
		st.ClientState = parts[3]
		break
	}
	if st.ClientState == "activated" {
		st.ClientIP = s.clientIP(ctx)
	}
	return st, nil
}
