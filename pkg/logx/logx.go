// Package logx provides component loggers with context-aware, domain-filtered debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

type ctxKey struct{}

// Logger writes timestamped lines tagged with a component ID.
type Logger struct {
	component string
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Domains map[string]bool // nil enables every domain
	Enabled bool
}

//nolint:gochecknoglobals // process-wide logging configuration
var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logWriter     io.Writer // nil means stderr
	logFile       *os.File
	colorize      bool
	logWriterLock sync.Mutex

	levelColors = map[Level]*color.Color{
		LevelDebug: color.New(color.FgCyan),
		LevelInfo:  color.New(color.FgGreen),
		LevelWarn:  color.New(color.FgYellow),
		LevelError: color.New(color.FgRed, color.Bold),
	}
)

func init() { //nolint:gochecknoinits // env driven defaults
	initDebugFromEnv()
	colorize = term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == ""
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	return out
}

// NewLogger creates a logger for the given component.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// SetDebug enables or disables debug output and limits it to the given domains (none means all).
func SetDebug(enabled bool, domains ...string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
	debugConfig.Domains = parseDomains(domains)
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// SetOutput redirects log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	logWriter = w
}

// SetOutputFile tees log output into the file at path, appending.
func SetOutputFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}

	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	return nil
}

// Close releases the log file opened by SetOutputFile, if any.
func Close() {
	logWriterLock.Lock()
	defer logWriterLock.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// WithComponent stores a component ID in ctx for package-level Debug calls.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, ctxKey{}, component)
}

func componentFrom(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func write(component string, level Level, message string) {
	timestamp := time.Now().UTC().Format(timestampFormat)

	logWriterLock.Lock()
	defer logWriterLock.Unlock()

	if logWriter != nil {
		fmt.Fprintf(logWriter, "[%s] [%s] %s: %s\n", timestamp, component, level, message)
	} else {
		lvl := string(level)
		if colorize {
			lvl = levelColors[level].Sprint(lvl)
		}
		fmt.Fprintf(os.Stderr, "[%s] [%s] %s: %s\n", timestamp, component, lvl, message)
	}
	if logFile != nil {
		fmt.Fprintf(logFile, "[%s] [%s] %s: %s\n", timestamp, component, level, message)
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	write(l.component, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Component returns the logger's component ID.
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger with a new component ID.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{component: component}
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "dispatch", "launched %s", handleID)
//
// Environment control:
//
//	DEBUG=1                            # all domains
//	DEBUG=1 DEBUG_DOMAINS=dispatch     # one domain
//	DEBUG=1 DEBUG_DOMAINS=router,retry # several
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	write(componentFrom(ctx), LevelDebug, fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...)))
}

// DebugState logs a state transition for a domain.
func DebugState(ctx context.Context, domain, action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = " - " + extra[0]
	}
	Debug(ctx, domain, "State %s: %s%s", action, state, extraInfo)
}

var defaultLogger = NewLogger("system") //nolint:gochecknoglobals

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
