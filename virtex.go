// Package virtex is a deterministic virtual exchange and backtest
// orchestrator: orders match against historical one-minute candles, the
// wallet settles with immediate reservation accounting, and every run is
// reproducible down to its data hash.
package virtex

import "virtex/pkg/logger"

// Version is the engine version string stamped into run reports.
const Version = "1.0.0"

// DefaultLog is the process-wide logger, configured from the environment
// in init.
var DefaultLog logger.Logger
