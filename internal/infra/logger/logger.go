package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Options controls where log lines go.
type Options struct {
	// FilePath receives every line at or above Level. Empty disables the file sink.
	FilePath string
	Level    Level
	// IncludeStdout mirrors Info and above to stdout in console format.
	IncludeStdout bool
	// JSON writes raw JSON to stdout instead of the console format.
	JSON bool
}

type Logger struct {
	zl   zerolog.Logger
	file *os.File
}

func New(opts Options) (*Logger, error) {
	var writers []io.Writer
	var file *os.File

	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}

	if opts.IncludeStdout {
		var out io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
		if opts.JSON {
			out = os.Stdout
		}
		// Debug lines stay in the file so they don't break CLI progress output
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: out},
			Level:  zerolog.InfoLevel,
		})
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).Level(opts.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl, file: file}, nil
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// Nop discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// With returns a child logger carrying an extra field on every line.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for structured call sites.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.zl.Debug().Msgf(f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.zl.Info().Msgf(f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.zl.Warn().Msgf(f, v...) }
func (l *Logger) Error(f string, v ...any) { l.zl.Error().Msgf(f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.zl.Fatal().Msgf(f, v...) }

func (l *Logger) Write(p []byte) (n int, err error) {
	// Echo and other libraries often include a newline at the end
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	return l.file.Close()
}
