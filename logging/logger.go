package logging

import (
	"digitalvault/features"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelStartup // startup banner only
)

const (
	colorRed     = "\033[31m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorReset   = "\033[0m"
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarn:    "WARN",
	LevelError:   "ERROR",
	LevelStartup: "STARTUP",
}

var levelColors = map[LogLevel]string{
	LevelDebug:   colorCyan,
	LevelWarn:    colorYellow,
	LevelError:   colorRed,
	LevelStartup: colorMagenta,
}

// Logger writes leveled, optionally colored lines. Callers must never pass
// key material, plaintext or signatures as arguments.
type Logger struct {
	out      *log.Logger
	minLevel LogLevel
	color    bool
	mu       sync.Mutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the singleton logger instance
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// NewLogger creates a logger on stdout. Demo builds without full logging
// only print startup messages.
func NewLogger() *Logger {
	return NewLoggerWithOutput(os.Stdout)
}

func NewLoggerWithOutput(w io.Writer) *Logger {
	l := &Logger{
		out:      log.New(w, "", log.Ldate|log.Ltime),
		minLevel: LevelDebug,
		color:    true,
	}
	if !features.ShouldEnableFullLogging() {
		l.minLevel = LevelStartup
	}
	return l
}

// ParseLevel maps a config string to a level. Unknown values yield LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "startup", "quiet":
		return LevelStartup
	default:
		return LevelInfo
	}
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// SetLevel sets the minimum log level. Minimal builds stay at LevelStartup.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !features.ShouldEnableFullLogging() {
		l.minLevel = LevelStartup
		return
	}
	l.minLevel = level
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minLevel
}

// SetOutput redirects output. CLIs point it at stderr so command output
// stays machine readable.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.SetOutput(w)
}

// SetColor toggles ANSI coloring.
func (l *Logger) SetColor(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.color = enabled
}

func (l *Logger) logf(level LogLevel, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.minLevel {
		return
	}
	msg := fmt.Sprintf(format, v...)
	if c, ok := levelColors[level]; ok && l.color {
		msg = c + msg + colorReset
	}
	l.out.Printf("%s: %s", levelNames[level], msg)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.logf(LevelWarn, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

// Startup is always logged, even in minimal mode.
func (l *Logger) Startup(format string, v ...interface{}) {
	l.logf(LevelStartup, format, v...)
}

// PrintBuildInfo prints build and feature flag information at startup
func (l *Logger) PrintBuildInfo(serviceName, serviceVersion string) {
	buildInfo := features.GetBuildInfo()

	l.Startup("=================================================")
	l.Startup("Service: %s v%s", serviceName, serviceVersion)
	l.Startup("Build Mode: %s", buildInfo["mode"])
	l.Startup("Build Version: %s (%s)", buildInfo["version"], buildInfo["buildTime"])

	if enabled := features.GetEnabledFeatures(); len(enabled) > 0 {
		l.Startup("Enabled Features: %s", strings.Join(enabled, ", "))
	} else {
		l.Startup("Enabled Features: none (production defaults)")
	}

	l.Startup("Logging: %s", LoggingMode())
	l.Startup("Metrics: %v  Tracing: %v", features.ShouldEnableMetrics(), features.ShouldEnableObservability())
	l.Startup("Rate Limiting: %v  Listing Cache: %v", features.ShouldEnableRateLimiting(), features.ShouldEnableCaching())
	l.Startup("Rego Policy: %v  Short Timeouts: %v", features.ShouldUseRegoPolicy(), features.ShouldUseShortTimeouts())
	l.Startup("=================================================")
}

func Debug(format string, v ...interface{}) {
	GetLogger().Debug(format, v...)
}

func Info(format string, v ...interface{}) {
	GetLogger().Info(format, v...)
}

func Warn(format string, v ...interface{}) {
	GetLogger().Warn(format, v...)
}

func Error(format string, v ...interface{}) {
	GetLogger().Error(format, v...)
}

func Startup(format string, v ...interface{}) {
	GetLogger().Startup(format, v...)
}

// LoggingMode returns a string describing the current logging mode
func LoggingMode() string {
	if features.ShouldEnableFullLogging() {
		return "full"
	}
	return "minimal (startup only)"
}
