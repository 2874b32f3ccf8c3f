// Package zerolog adapts github.com/rs/zerolog to the logger.Logger
// interface used across virtex.
package zerolog

import (
	"os"
	"strings"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

// New builds a configured zerolog logger. With jsonFormat enabled the
// console decorations are skipped and plain structured JSON is emitted.
func New(level, dateTimeLayout string, colored, jsonFormat bool) (*Adapter, error) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	logMode, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(logMode)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    !colored,
		TimeFormat: dateTimeLayout,
	}
	if !jsonFormat {
		output.FormatLevel = formatLevel
	}

	logger := log.
		Output(output).
		With().
		CallerWithSkipFrameCount(3).
		Logger()

	return NewAdapter(&logger), nil
}

func formatLevel(i interface{}) string {
	levelStr, ok := i.(string)
	if !ok {
		return "[UNK]"
	}
	tag := "[" + strings.ToUpper(levelStr)[:min(3, len(levelStr))] + "]"
	switch levelStr {
	case zerolog.LevelTraceValue, zerolog.LevelDebugValue:
		return term.Cyanf("%s", tag)
	case zerolog.LevelInfoValue:
		return term.Greenf("%s", tag)
	case zerolog.LevelWarnValue:
		return term.Yellowf("%s", tag)
	case zerolog.LevelErrorValue, zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		return term.Redf("%s", tag)
	default:
		return term.Whitef("%s", tag)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
