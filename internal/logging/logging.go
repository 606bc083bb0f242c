// Package logging builds the process logger: a console encoder on stderr,
// teed into an in-memory Ring.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Debug bool
	// Ring receives a copy of every enabled entry. May be nil.
	Ring *Ring
}

func New(opts Options) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level),
	}
	if opts.Ring != nil {
		cores = append(cores, opts.Ring.Core(zapcore.NewConsoleEncoder(encCfg), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
