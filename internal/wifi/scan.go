package wifi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Network struct {
	SSID     string `json:"ssid"`
	Security string `json:"security,omitempty"`
	Signal   int    `json:"signal,omitempty"`
}

// Scan lists visible networks, strongest first, one entry per SSID.
func (s *Station) Scan(ctx context.Context) ([]Network, error) {
	// Some drivers take several seconds to rescan.
	cmdCtx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	out, err := s.run(cmdCtx, "nmcli", "-t", "-f", "SSID,SIGNAL,SECURITY", "dev", "wifi", "list", "--rescan", "yes", "ifname", s.opts.Iface)
	if err != nil {
		if cmdCtx.Err() != nil {
			return nil, fmt.Errorf("wifi: scan timed out")
		}
		return nil, fmt.Errorf("wifi: scan: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return parseScan(out)
}

func parseScan(out []byte) ([]Network, error) {
	best := map[string]Network{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := splitTerse(line)
		ssid := strings.TrimSpace(parts[0])
		if ssid == "" {
			continue
		}
		n := Network{SSID: ssid}
		if len(parts) >= 2 {
			n.Signal, _ = strconv.Atoi(strings.TrimSpace(parts[1]))
		}
		if len(parts) >= 3 {
			n.Security = strings.TrimSpace(parts[2])
		}
		prev, ok := best[ssid]
		switch {
		case !ok || n.Signal > prev.Signal:
			if ok && n.Security == "" {
				n.Security = prev.Security
			}
			best[ssid] = n
		case prev.Security == "" && n.Security != "":
			prev.Security = n.Security
			best[ssid] = prev
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("wifi: parse scan: %v", err)
	}

	nets := make([]Network, 0, len(best))
	for _, n := range best {
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool {
		if nets[i].Signal != nets[j].Signal {
			return nets[i].Signal > nets[j].Signal
		}
		return nets[i].SSID < nets[j].SSID
	})
	return nets, nil
}

// splitTerse splits one line of `nmcli -t` output. nmcli escapes ':' and '\'
// inside values with a backslash.
func splitTerse(line string) []string {
	fields := make([]string, 0, 4)
	var b strings.Builder
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ':':
			fields = append(fields, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	return append(fields, b.String())
}

func containsSSID(nets []Network, ssid string) bool {
	for _, n := range nets {
		if n.SSID == ssid {
			return true
		}
	}
	return false
}
