package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// msgOnly encodes just the message so lines are predictable.
func msgOnly() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg"})
}

func TestRing_WrapsAndCountsDropped(t *testing.T) {
	r := NewRing(2)
	log := zap.New(r.Core(msgOnly(), zapcore.DebugLevel))
	log.Info("a")
	log.Info("b")
	log.Info("c")

	lines, dropped := r.Snapshot(5, zapcore.DebugLevel)
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
	if strings.Join(lines, ",") != "b,c" {
		t.Fatalf("lines=%q", lines)
	}
	lines, _ = r.Snapshot(1, zapcore.DebugLevel)
	if len(lines) != 1 || lines[0] != "c" {
		t.Fatalf("tail=1 lines=%q", lines)
	}
}

func TestRing_FiltersByLevel(t *testing.T) {
	r := NewRing(10)
	log := zap.New(r.Core(msgOnly(), zapcore.DebugLevel)).Named("power")
	log.Debug("tick")
	log.Warn("flag store slow")
	log.Info("boot")
	log.Error("flag store failure")

	got := r.Entries(0, zapcore.WarnLevel)
	if len(got) != 2 {
		t.Fatalf("entries=%+v", got)
	}
	if got[0].Message != "flag store slow" || got[1].Level != zapcore.ErrorLevel {
		t.Fatalf("entries=%+v", got)
	}
	if got[0].Logger != "power" {
		t.Fatalf("logger=%q", got[0].Logger)
	}
	// tail counts matching entries only.
	got = r.Entries(1, zapcore.InfoLevel)
	if len(got) != 1 || got[0].Message != "flag store failure" {
		t.Fatalf("entries=%+v", got)
	}
}

func TestRing_WithKeepsFields(t *testing.T) {
	r := NewRing(4)
	log := zap.New(r.Core(msgOnly(), zapcore.InfoLevel)).With(zap.String("cause", "deep_sleep"))
	log.Info("boot")
	log.Debug("hidden")

	lines, _ := r.Snapshot(0, zapcore.DebugLevel)
	if len(lines) != 1 || !strings.Contains(lines[0], "boot") || !strings.Contains(lines[0], "deep_sleep") {
		t.Fatalf("lines=%q", lines)
	}
}

func TestNew_TeesIntoRing(t *testing.T) {
	r := NewRing(10)
	log := New(Options{Ring: r}).Sugar()
	log.Infow("boot", "cause", "power_on")
	log.Debugw("hidden")

	lines, _ := r.Snapshot(0, zapcore.DebugLevel)
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	if !strings.Contains(lines[0], "boot") || !strings.Contains(lines[0], "power_on") {
		t.Fatalf("line=%q", lines[0])
	}
}
