package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"hydrometer/internal/config"
	"hydrometer/internal/logging"
	"hydrometer/internal/platform"
)

func main() {
	var (
		configPath string
		simMode    bool
		simScale   float64
		simScript  string
		debug      bool
	)
	flag.StringVar(&configPath, "config", "/etc/hydrometer/hydrometer.yaml", "Path to YAML config")
	flag.BoolVar(&simMode, "sim", false, "Run against simulated sensors and a simulated power platform")
	flag.Float64Var(&simScale, "sim-scale", 60, "Simulated time speed-up (sleeps are divided by this)")
	flag.StringVar(&simScript, "sim-script", "", "Optional YAML fermentation script for -sim")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	ring := logging.NewRing(2000)
	zl := logging.New(logging.Options{Debug: debug, Ring: ring})
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalw("config load failed", "path", configPath, "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, log, cfg, runtimeOptions{
		ConfigPath: configPath,
		Sim:        simMode,
		SimScale:   simScale,
		SimScript:  simScript,
		Logs:       ring,
	})
	if err != nil {
		log.Fatalw("runtime init failed", "error", err)
	}
	defer rt.Close()

	log.Infow("hydrometer starting", "device", cfg.Device.Name, "sim", simMode)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, platform.ErrHalted) && !errors.Is(err, context.Canceled) {
		log.Errorw("hydrometer stopped", "error", err)
		_ = zl.Sync()
		os.Exit(1)
	}
	log.Infow("hydrometer stopping")
}
