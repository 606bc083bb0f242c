package power

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"hydrometer/internal/wifi"
)

type recordingOutput struct {
	mu     sync.Mutex
	states []bool
}

func (o *recordingOutput) Set(on bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, on)
	return nil
}

func (o *recordingOutput) Close() error { return nil }

type fakeNetwork struct {
	apSSID     string
	apIP       string
	joined     string
	connectErr error
}

func (n *fakeNetwork) StartAP(_ context.Context, ssid, _, ip string) error {
	n.apSSID, n.apIP = ssid, ip
	return nil
}

func (n *fakeNetwork) Connect(_ context.Context, ssid, _ string, opts wifi.ConnectOptions) (wifi.Association, error) {
	if !opts.Verify {
		return wifi.Association{}, errors.New("station join must verify the network")
	}
	if n.connectErr != nil {
		return wifi.Association{}, n.connectErr
	}
	n.joined = ssid
	return wifi.Association{SSID: ssid, IP: "10.0.0.7"}, nil
}

type fakeServer struct {
	served int
	err    error
}

func (s *fakeServer) Serve(ctx context.Context, sched *Scheduler) error {
	s.served++
	if s.err != nil {
		return s.err
	}
	sched.Schedule(0, TransitionReboot)
	return nil
}

func TestCalibrationMode_Run(t *testing.T) {
	led, vpp := &recordingOutput{}, &recordingOutput{}
	net := &fakeNetwork{connectErr: wifi.ErrNotFound}
	srv := &fakeServer{}
	m := &CalibrationMode{
		Log:         zaptest.NewLogger(t).Sugar(),
		LED:         led,
		SensorPower: vpp,
		Network:     net,
		AP:          APSettings{SSID: "Hydrometer-ab12", IP: "192.168.4.1"},
		Station:     StationSettings{SSID: "brewhouse", Pass: "x"},
		Server:      srv,
	}
	sched := NewScheduler()
	defer sched.Stop()

	require.NoError(t, m.Run(context.Background(), sched))
	assert.Equal(t, 1, srv.served)
	assert.Equal(t, "Hydrometer-ab12", net.apSSID)
	assert.Empty(t, net.joined, "a failed station join is not fatal")
	assert.Equal(t, []bool{true, false}, led.states)
	assert.Equal(t, []bool{true, false}, vpp.states)
	assert.Equal(t, TransitionReboot, <-sched.C())
}

func TestMaintenanceMode_Run(t *testing.T) {
	net := &fakeNetwork{}
	srv := &fakeServer{err: errors.New("bind failed")}
	m := &MaintenanceMode{
		Network: net,
		AP:      APSettings{SSID: "Hydrometer-ab12"},
		Station: StationSettings{SSID: "brewhouse"},
		Server:  srv,
	}
	err := m.Run(context.Background(), NewScheduler())
	assert.EqualError(t, err, "bind failed")
	assert.Equal(t, "brewhouse", net.joined)
}

func TestModes_RequireServer(t *testing.T) {
	assert.Error(t, (&CalibrationMode{}).Run(context.Background(), NewScheduler()))
	assert.Error(t, (&MaintenanceMode{}).Run(context.Background(), NewScheduler()))
}
