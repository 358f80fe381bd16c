// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const consoleTimeFormat = time.RFC3339

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = utcNow
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// Config selects the sinks and minimum level of the root logger.
type Config struct {
	// MinLevel is a zerolog level name; bad values fall back to info.
	MinLevel string
	// File, when set, adds a size-rotated log file next to the console sink.
	File string
	// NoColor forces plain console output even on a terminal.
	NoColor bool
}

// Create builds the root logger. Every component receives a child of this
// logger; nothing logs through the global.
func Create(config *Config) *zerolog.Logger {
	if config == nil {
		config = &Config{MinLevel: "info"}
	}

	writers := []io.Writer{createConsoleLogger(config.NoColor)}
	if config.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}

	level, levelErr := zerolog.ParseLevel(config.MinLevel)
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	multi := levelMultiWriter{level, writers}
	log := zerolog.New(multi).With().Timestamp().Logger()
	if levelErr != nil {
		log.Error().Msgf("Failed to parse log level %q, using %q instead", config.MinLevel, level)
	}

	return &log
}

// levelMultiWriter fans a log event out to every sink and never lets one
// sink's write error break the others.
type levelMultiWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (t levelMultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (t levelMultiWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if t.level <= level {
		for _, w := range t.writers {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

func createConsoleLogger(noColor bool) io.Writer {
	consoleOut := os.Stderr
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(consoleOut),
		NoColor:    noColor || !term.IsTerminal(int(consoleOut.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}
