// Package logging sets up the jroll diagnostic logger. Output lines are
// prefixed with a timestamp and a level tag ([info]/[debug]/[error]) per
// spec.md §6, and go to standard error so they never interleave with any
// structured stdout a future caller might want to parse.
package logging

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// New builds the process-wide logger. verbose enables debug-level output
// (-v on the CLI); logFile, when non-empty, additionally fans out to a
// rotating file sink.
func New(verbose bool, logFile string) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}
	console.FormatLevel = func(i interface{}) string {
		s, _ := i.(string)
		return "[" + s + "]"
	}

	var writer io.Writer = console
	if logFile != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		}
		writer = zerolog.MultiLevelWriter(console, fileWriter)
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()
}
