package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hydrometer/internal/calibration"
	"hydrometer/internal/config"
	"hydrometer/internal/fusion"
	"hydrometer/internal/logging"
	"hydrometer/internal/power"
	"hydrometer/internal/wifi"
)

type fakeState struct{}

func (fakeState) State() power.State      { return power.StateCalibration }
func (fakeState) Cause() power.ResetCause { return power.CauseExternalReset }

type fakeTilt struct {
	s  power.Sample
	ok bool
}

func (f fakeTilt) Latest() (power.Sample, bool) { return f.s, f.ok }

type fakeWiFi struct {
	nets    []wifi.Network
	joined  string
	verify  bool
	joinErr error
}

func (f *fakeWiFi) Scan(context.Context) ([]wifi.Network, error) { return f.nets, nil }

func (f *fakeWiFi) Connect(_ context.Context, ssid, _ string, opts wifi.ConnectOptions) (wifi.Association, error) {
	if f.joinErr != nil {
		return wifi.Association{}, f.joinErr
	}
	f.joined, f.verify = ssid, opts.Verify
	return wifi.Association{SSID: ssid, IP: "10.0.0.7"}, nil
}

func (f *fakeWiFi) Status(context.Context) (wifi.Status, error) {
	return wifi.Status{APSSID: "Hydrometer-ab12", ClientSSID: f.joined}, nil
}

func newTestServer(t *testing.T, srv *Server) (*httptest.Server, *power.Scheduler) {
	t.Helper()
	sched := power.NewScheduler()
	t.Cleanup(sched.Stop)
	if srv.TransitionDelay == 0 {
		srv.TransitionDelay = time.Hour
	}
	ts := httptest.NewServer(srv.Handler(sched))
	t.Cleanup(ts.Close)
	return ts, sched
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func post(t *testing.T, url, body string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus("Hydrometer-ab12")
	st.SetStatic("", t.TempDir(), true)
	smp := power.Sample{Tilt: fusion.Tilt{Beta: 41.5}, Seq: 3}
	ts, _ := newTestServer(t, &Server{Status: st, State: fakeState{}, Tilt: fakeTilt{s: smp, ok: true}, WiFi: &fakeWiFi{}})

	code, body := get(t, ts.URL+"/api/status")
	if code != http.StatusOK {
		t.Fatalf("status code=%d body=%s", code, body)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "hydrometer" || snap.Device != "Hydrometer-ab12" || !snap.Sim {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.Mode != "calibration" || snap.ResetCause != "external" {
		t.Fatalf("mode=%q cause=%q", snap.Mode, snap.ResetCause)
	}
	if snap.Tilt == nil || snap.Tilt.Tilt != 41.5 {
		t.Fatalf("tilt=%+v", snap.Tilt)
	}
	if snap.Network == nil || snap.Network.WiFi == nil || snap.Network.WiFi.APSSID != "Hydrometer-ab12" {
		t.Fatalf("network=%+v", snap.Network)
	}
}

func TestRootPageAndConnectTest(t *testing.T) {
	ts, _ := newTestServer(t, &Server{})
	if code, body := get(t, ts.URL+"/"); code != http.StatusOK || !strings.Contains(body, "Hydrometer") {
		t.Fatalf("root code=%d", code)
	}
	if code, _ := get(t, ts.URL+"/connecttest"); code != http.StatusOK {
		t.Fatalf("connecttest code=%d", code)
	}
	if code, body := get(t, ts.URL+"/api/about"); code != http.StatusOK || !strings.Contains(body, `"service": "hydrometer"`) {
		t.Fatalf("about code=%d body=%s", code, body)
	}
}

func TestTilt(t *testing.T) {
	ts, _ := newTestServer(t, &Server{Tilt: fakeTilt{}})
	if code, _ := get(t, ts.URL+"/tilt"); code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d want 503 before the first sample", code)
	}

	ts, _ = newTestServer(t, &Server{Tilt: fakeTilt{s: power.Sample{Tilt: fusion.Tilt{Alpha: 1, Beta: 35.25}, Seq: 1}, ok: true}})
	code, body := get(t, ts.URL+"/tilt")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var resp map[string]float64
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 || resp["tilt"] != 35.25 {
		t.Fatalf("resp=%v", resp)
	}
}

func TestCalibration_RoundTrip(t *testing.T) {
	store := calibration.NewStore(filepath.Join(t.TempDir(), "regression.json"))
	ts, _ := newTestServer(t, &Server{Curves: store})

	if code, _ := get(t, ts.URL+"/calibration"); code != http.StatusNotFound {
		t.Fatalf("code=%d want 404 before calibration", code)
	}
	if code, body := post(t, ts.URL+"/calibration", `{"a":0,"b":0.002,"c":1,"unit":"sg"}`); code != http.StatusOK {
		t.Fatalf("post code=%d body=%s", code, body)
	}
	code, body := get(t, ts.URL+"/calibration")
	if code != http.StatusOK {
		t.Fatalf("get code=%d", code)
	}
	var resp calibrationResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Params.B != 0.002 || resp.Params.C != 1 || resp.Params.Unit != "sg" {
		t.Fatalf("params=%+v", resp.Params)
	}
	c, err := store.Load()
	if err != nil || c.SpecificGravity(35) != 1.07 {
		t.Fatalf("stored curve=%+v err=%v", c, err)
	}
}

func TestCalibration_RejectsBadCurves(t *testing.T) {
	store := calibration.NewStore(filepath.Join(t.TempDir(), "regression.json"))
	ts, _ := newTestServer(t, &Server{Curves: store})
	for _, body := range []string{
		`{"a":0,"b":0,"c":0,"unit":"sg"}`,
		`{"a":0,"b":0.002,"c":1,"unit":"brix"}`,
		`{"a":0,"b":0.002,"c":1,"unit":"sg","extra":1}`,
		`not json`,
	} {
		if code, _ := post(t, ts.URL+"/calibration", body); code != http.StatusBadRequest {
			t.Fatalf("body=%s code=%d want 400", body, code)
		}
	}
	if _, err := store.Load(); err == nil {
		t.Fatalf("nothing should have been stored")
	}
}

func TestTransitions(t *testing.T) {
	ts, sched := newTestServer(t, &Server{})
	if code, _ := get(t, ts.URL+"/deepsleep"); code != http.StatusOK {
		t.Fatalf("deepsleep code=%d", code)
	}
	tr, due, ok := sched.Pending()
	if !ok || tr != power.TransitionFirstSleep {
		t.Fatalf("pending=%v ok=%v", tr, ok)
	}
	if time.Until(due) < 59*time.Minute {
		t.Fatalf("due=%s", due)
	}
	if code, _ := get(t, ts.URL+"/reboot"); code != http.StatusConflict {
		t.Fatalf("second transition code=%d want 409", code)
	}
}

func TestTransitions_FireAfterDelay(t *testing.T) {
	ts, sched := newTestServer(t, &Server{TransitionDelay: 10 * time.Millisecond})
	if code, _ := get(t, ts.URL+"/maintenance"); code != http.StatusOK {
		t.Fatalf("maintenance code=%d", code)
	}
	select {
	case tr := <-sched.C():
		if tr != power.TransitionMaintenance {
			t.Fatalf("transition=%v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("transition did not fire")
	}
}

func TestMaintenanceSurface(t *testing.T) {
	ts, _ := newTestServer(t, &Server{Surface: SurfaceMaintenance, Tilt: fakeTilt{ok: true}})
	for _, path := range []string{"/tilt", "/calibration", "/wifi", "/deepsleep", "/maintenance"} {
		if code, _ := get(t, ts.URL+path); code != http.StatusNotFound {
			t.Fatalf("%s code=%d want 404", path, code)
		}
	}
	if code, _ := get(t, ts.URL+"/reboot"); code != http.StatusOK {
		t.Fatalf("reboot code=%d", code)
	}
}

func TestWiFi(t *testing.T) {
	w := &fakeWiFi{nets: []wifi.Network{{SSID: "brewhouse", Signal: 70}}}
	ts, _ := newTestServer(t, &Server{WiFi: w})

	code, body := get(t, ts.URL+"/wifi")
	if code != http.StatusOK || !strings.Contains(body, `"wifiList"`) || !strings.Contains(body, "brewhouse") {
		t.Fatalf("code=%d body=%s", code, body)
	}
	if code, _ := post(t, ts.URL+"/wifi", `{"ssid":"  ","pass":"x"}`); code != http.StatusBadRequest {
		t.Fatalf("empty ssid code=%d", code)
	}
	if code, body := post(t, ts.URL+"/wifi", `{"ssid":"brewhouse","pass":"hunter22"}`); code != http.StatusOK {
		t.Fatalf("join code=%d body=%s", code, body)
	}
	if w.joined != "brewhouse" || !w.verify {
		t.Fatalf("joined=%q verify=%v", w.joined, w.verify)
	}

	w.joinErr = wifi.ErrNotFound
	if code, _ := post(t, ts.URL+"/wifi", `{"ssid":"nowhere","pass":""}`); code != http.StatusInternalServerError {
		t.Fatalf("failed join code=%d want 500", code)
	}
}

func TestMQTTTest(t *testing.T) {
	var got config.BrokerConfig
	ts, _ := newTestServer(t, &Server{MQTTTest: func(_ context.Context, b config.BrokerConfig) error {
		got = b
		return nil
	}})
	if code, body := post(t, ts.URL+"/mqtttest", `{"addr":"10.0.0.2","topic":"brew/fv1/"}`); code != http.StatusOK {
		t.Fatalf("code=%d body=%s", code, body)
	}
	if got.Addr != "10.0.0.2" || got.Port != 1883 || got.Topic != "brew/fv1" {
		t.Fatalf("broker=%+v", got)
	}
	if code, _ := post(t, ts.URL+"/mqtttest", `{"addr":"10.0.0.2"}`); code != http.StatusBadRequest {
		t.Fatalf("missing topic code=%d", code)
	}
}

func TestLogs(t *testing.T) {
	ring := logging.NewRing(10)
	log := zap.New(ring.Core(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"}), zapcore.DebugLevel))
	log.Info("first")
	log.Warn("second")
	ts, _ := newTestServer(t, &Server{Logs: ring})

	code, body := get(t, ts.URL+"/api/logs?tail=1")
	if code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	var resp LogsResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Lines) != 1 || resp.Lines[0] != "second" {
		t.Fatalf("lines=%q", resp.Lines)
	}
	if code, body := get(t, ts.URL+"/api/logs?format=text"); code != http.StatusOK || body != "first\nsecond\n" {
		t.Fatalf("text code=%d body=%q", code, body)
	}
	if code, _ := get(t, ts.URL+"/api/logs?tail=0"); code != http.StatusBadRequest {
		t.Fatalf("bad tail code=%d", code)
	}
	if code, body := get(t, ts.URL+"/api/logs?format=text&level=warn"); code != http.StatusOK || body != "second\n" {
		t.Fatalf("level=warn code=%d body=%q", code, body)
	}
	if code, _ := get(t, ts.URL+"/api/logs?level=loud"); code != http.StatusBadRequest {
		t.Fatalf("bad level code=%d", code)
	}
}
