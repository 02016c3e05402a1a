package xcpsigner

import (
	"github.com/btcsuite/btclog"
	"github.com/counterwallet/xcpsigner/build"
	"github.com/counterwallet/xcpsigner/esplora"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/counterwallet/xcpsigner/replay"
	"github.com/counterwallet/xcpsigner/session"
	"github.com/counterwallet/xcpsigner/sweep"
)

// Subsystem defines the logging code for the signing engine.
const Subsystem = "XCPS"

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info. This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// SetupLoggers initializes all package-global logger variables, creating
// each subsystem logger from root.
//
// Loggers can not be used before the writer backing root has been set up.
// This must be performed early during application startup.
func SetupLoggers(root *build.SubLoggerManager) {
	AddSubLogger(root, Subsystem, UseLogger)
	AddSubLogger(root, input.Subsystem, input.UseLogger)
	AddSubLogger(root, sweep.Subsystem, sweep.UseLogger)
	AddSubLogger(root, session.Subsystem, session.UseLogger)
	AddSubLogger(root, esplora.Subsystem, esplora.UseLogger)
	AddSubLogger(root, replay.Subsystem, replay.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
