package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hydrometer/internal/calibration"
	"hydrometer/internal/config"
	"hydrometer/internal/power"
	"hydrometer/internal/wifi"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Surface selects the route set.
type Surface int

const (
	// SurfaceCalibration serves every route.
	SurfaceCalibration Surface = iota
	// SurfaceMaintenance serves the diagnostic subset.
	SurfaceMaintenance
)

type TiltSource interface {
	Latest() (power.Sample, bool)
}

type CurveStore interface {
	Load() (calibration.Curve, error)
	Save(c calibration.Curve) error
}

type WiFi interface {
	Scan(ctx context.Context) ([]wifi.Network, error)
	Connect(ctx context.Context, ssid, pass string, opts wifi.ConnectOptions) (wifi.Association, error)
	Status(ctx context.Context) (wifi.Status, error)
}

// MQTTTester publishes a test message with the given broker settings.
type MQTTTester func(ctx context.Context, b config.BrokerConfig) error

type LogSource interface {
	Snapshot(tail int, floor zapcore.Level) (lines []string, dropped uint64)
}

type StateSource interface {
	State() power.State
	Cause() power.ResetCause
}

// Server is the local control surface. Every collaborator except Log may be
// nil; the routes that need a missing one answer 503.
type Server struct {
	Log      *zap.SugaredLogger
	Listen   string
	Surface  Surface
	Status   *Status
	State    StateSource
	Settings SettingsStore
	Tilt     TiltSource
	Tilts    *TiltBroadcaster
	Curves   CurveStore
	WiFi     WiFi
	MQTTTest MQTTTester
	Logs     LogSource

	// TransitionDelay is how long /reboot, /deepsleep and /maintenance wait
	// before the transition fires, so the response reaches the browser.
	TransitionDelay time.Duration
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *Server) transitionDelay() time.Duration {
	if s.TransitionDelay <= 0 {
		return 3 * time.Second
	}
	return s.TransitionDelay
}

// Handler builds the router. Transitions requested over HTTP go to sched.
func (s *Server) Handler(sched *power.Scheduler) http.Handler {
	if s.Status == nil {
		s.Status = NewStatus("")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.log()))
	r.Use(middleware.Recoverer)

	r.Get("/connecttest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/reboot", s.transition(sched, power.TransitionReboot))
	r.Get("/settings", s.handleSettingsGet)
	r.Post("/settings", s.handleSettingsPost)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/logs", s.handleLogs)
		r.Get("/about", handleAbout)
	})

	if s.Surface == SurfaceCalibration {
		r.Get("/tilt", s.handleTilt)
		r.Get("/ws/tilt", s.handleTiltStream)
		r.Get("/calibration", s.handleCalibrationGet)
		r.Post("/calibration", s.handleCalibrationPost)
		r.Get("/wifi", s.handleWiFiGet)
		r.Post("/wifi", s.handleWiFiPost)
		r.Post("/mqtttest", s.handleMQTTTest)
		r.Get("/deepsleep", s.transition(sched, power.TransitionFirstSleep))
		r.Get("/maintenance", s.transition(sched, power.TransitionMaintenance))
	}

	if assetsFS, err := fs.Sub(embeddedAssets, "assets"); err == nil {
		fileServer := http.FileServer(http.FS(assetsFS))
		r.Handle("/assets/*", http.StripPrefix("/assets/", fileServer))
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			b, err := fs.ReadFile(assetsFS, "index.html")
			if err != nil {
				http.Error(w, "ui unavailable", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write(b)
		})
	}
	return r
}

// Serve implements power.Server. It returns nil when ctx ends.
func (s *Server) Serve(ctx context.Context, sched *power.Scheduler) error {
	listen := s.Listen
	if listen == "" {
		listen = ":80"
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(sched),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log().Infow("control surface listening", "addr", listen)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) transition(sched *power.Scheduler, t power.Transition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if sched == nil {
			http.Error(w, "transitions unavailable", http.StatusServiceUnavailable)
			return
		}
		d := s.transitionDelay()
		if !sched.Schedule(d, t) {
			pending, due, _ := sched.Pending()
			http.Error(w, "transition "+pending.String()+" already scheduled for "+due.UTC().Format(time.RFC3339), http.StatusConflict)
			return
		}
		s.log().Infow("transition scheduled", "to", t.String(), "in", d)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "transition": t.String(), "in": d.String()})
	}
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"dur", time.Since(start),
				"req_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}
