// Package logging builds the logr.Logger used by the command line tools.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the encoder and the verbosity.
type Options struct {
	// Development switches to the console encoder with stack traces on
	// warnings.
	Development bool

	// Verbosity enables logr V levels up to and including this value.
	Verbosity int
}

// atomicLevel is shared by every logger New creates so SetVerbosity applies
// to all of them.
var atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// New creates a zap backed logger. The returned function flushes buffered
// entries and should be called before the process exits.
func New(opts Options) (logr.Logger, func(), error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}

	SetVerbosity(opts.Verbosity)
	cfg.Level = atomicLevel

	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// SetVerbosity changes the V level of all loggers created by New. logr V(n)
// maps to zap level -n.
func SetVerbosity(v int) {
	if v < 0 {
		v = 0
	}

	atomicLevel.SetLevel(zapcore.Level(-v))
}

// NewTestLogger creates a development logger that prints every level.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-10))

	z, err := cfg.Build(zap.AddCaller())
	if err != nil {
		panic(err)
	}

	return zapr.NewLogger(z)
}
