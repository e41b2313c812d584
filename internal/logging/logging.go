// Package logging configures the process-wide slog default logger from a
// config.LoggingConfig, following the teacher's setupLogging convention.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/loomworks/loom/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink configures an optional rotating log file written alongside
// stdout.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup builds and installs the process-wide slog default logger.
func Setup(cfg config.LoggingConfig, sink *FileSink) {
	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level)}

	var out io.Writer = os.Stdout
	if sink != nil && sink.Path != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   sink.Path,
			MaxSize:    orDefault(sink.MaxSizeMB, 100),
			MaxBackups: sink.MaxBackups,
			MaxAge:     orDefault(sink.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	var handler slog.Handler
	if cfg.Format == config.LogFormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func levelFor(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
