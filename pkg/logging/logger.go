package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ANSI color codes
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	White  = "\033[37m"
	Gray   = "\033[90m"

	BrightRed     = "\033[91m"
	BrightGreen   = "\033[92m"
	BrightYellow  = "\033[93m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightWhite   = "\033[97m"
)

// ColoredLogger wraps zap.Logger with component-tagged, optionally colored output
type ColoredLogger struct {
	*zap.Logger
	enableColors bool
}

// Component tags log lines with the subsystem that produced them
type Component string

const (
	ComponentFeed    Component = "FEED"
	ComponentMongo   Component = "MONGO"
	ComponentRedis   Component = "REDIS"
	ComponentSQL     Component = "SQL"
	ComponentGateway Component = "GATEWAY"
	ComponentRelay   Component = "RELAY"
	ComponentGeneral Component = "GENERAL"
)

func getComponentColor(component Component) string {
	switch component {
	case ComponentFeed:
		return BrightBlue
	case ComponentMongo:
		return Green
	case ComponentRedis:
		return BrightRed
	case ComponentSQL:
		return BrightMagenta
	case ComponentGateway:
		return BrightGreen
	case ComponentRelay:
		return BrightCyan
	case ComponentGeneral:
		return Yellow
	default:
		return White
	}
}

func getLevelColor(level zapcore.Level) string {
	switch level {
	case zapcore.DebugLevel:
		return Gray
	case zapcore.InfoLevel:
		return BrightWhite
	case zapcore.WarnLevel:
		return BrightYellow
	case zapcore.ErrorLevel:
		return BrightRed
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return Red
	default:
		return White
	}
}

// Options selects where and how log lines are written.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "console" (default) or "json".
	Format string
	// File appends to a file instead of stdout when set.
	File string
	// Colors enables ANSI colors in console format.
	Colors bool
}

// ParseLevel converts a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// coloredConsoleEncoder creates a compact console encoder
func coloredConsoleEncoder(enableColors bool) zapcore.Encoder {
	config := zap.NewDevelopmentEncoderConfig()

	// HH:MM:SS only
	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		timeStr := t.Format("15:04:05")
		if enableColors {
			enc.AppendString(Dim + timeStr + Reset)
		} else {
			enc.AppendString(timeStr)
		}
	}

	// Single letter level: D, I, W, E
	config.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		levelStr := "?"
		switch level {
		case zapcore.DebugLevel:
			levelStr = "D"
		case zapcore.InfoLevel:
			levelStr = "I"
		case zapcore.WarnLevel:
			levelStr = "W"
		case zapcore.ErrorLevel:
			levelStr = "E"
		}
		if enableColors {
			enc.AppendString(getLevelColor(level) + Bold + levelStr + Reset)
		} else {
			enc.AppendString(levelStr)
		}
	}

	// Bare file name without extension
	config.EncodeCaller = func(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		file := caller.File
		if idx := strings.LastIndex(file, "/"); idx >= 0 {
			file = file[idx+1:]
		}
		file = strings.TrimSuffix(file, ".go")
		if enableColors {
			enc.AppendString(Dim + file + Reset)
		} else {
			enc.AppendString(file)
		}
	}

	return zapcore.NewConsoleEncoder(config)
}

// New builds a logger from opts.
func New(opts Options) (*ColoredLogger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encoder = coloredConsoleEncoder(opts.Colors)
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		opts.Colors = false
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	sink := zapcore.AddSync(os.Stdout)
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		sink = zapcore.AddSync(file)
		opts.Colors = false
	}

	core := zapcore.NewCore(encoder, sink, level)
	return &ColoredLogger{
		Logger:       zap.New(core, zap.AddCaller()),
		enableColors: opts.Colors,
	}, nil
}

// NewDefaultLogger creates a colored console logger at info level
func NewDefaultLogger() (*ColoredLogger, error) {
	return New(Options{Colors: true})
}

// Wrap adapts an existing zap logger, e.g. zaptest or zap.NewNop in tests.
func Wrap(logger *zap.Logger) *ColoredLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ColoredLogger{Logger: logger}
}

// For returns a plain zap logger whose messages carry the component tag. It is
// what packages that accept *zap.Logger should be handed.
func (l *ColoredLogger) For(component Component) *zap.Logger {
	return l.Logger.With(zap.String("component", string(component)))
}

func (l *ColoredLogger) tag(component Component, msg string) string {
	if l.enableColors {
		return getComponentColor(component) + "[" + string(component) + "]" + Reset + " " + msg
	}
	return "[" + string(component) + "] " + msg
}

// Component-specific logging methods
func (l *ColoredLogger) ComponentInfo(component Component, msg string, fields ...zap.Field) {
	l.WithOptions(zap.AddCallerSkip(1)).Info(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentWarn(component Component, msg string, fields ...zap.Field) {
	l.WithOptions(zap.AddCallerSkip(1)).Warn(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentError(component Component, msg string, fields ...zap.Field) {
	l.WithOptions(zap.AddCallerSkip(1)).Error(l.tag(component, msg), fields...)
}

func (l *ColoredLogger) ComponentDebug(component Component, msg string, fields ...zap.Field) {
	l.WithOptions(zap.AddCallerSkip(1)).Debug(l.tag(component, msg), fields...)
}

// StandardWriter adapts the logger to io.Writer so it can back a stdlib
// *log.Logger such as http.Server.ErrorLog.
type StandardWriter struct {
	logger    *ColoredLogger
	component Component
}

// NewStandardWriter creates a writer that logs each write as one error line
func NewStandardWriter(logger *ColoredLogger, component Component) *StandardWriter {
	return &StandardWriter{logger: logger, component: component}
}

func (s *StandardWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSuffix(string(p), "\n")
	s.logger.ComponentError(s.component, msg)
	return len(p), nil
}
