// Package logx provides structured logging with per-agent identifiers and
// env-controlled debug output.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes leveled, timestamped lines tagged with an agent id.
type Logger struct {
	agentID string
	logger  *log.Logger
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

var (
	debugConfig debugSettings
	debugMutex  sync.RWMutex
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
//
//	DEBUG=1                              # enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=producer,bus   # enable debug for listed domains only
func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.enabled = true
	}

	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.domains[strings.TrimSpace(domain)] = true
		}
	}
}

// SetDebug configures debug logging programmatically, overriding the env.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugConfig.enabled = enabled
	if len(domains) == 0 {
		debugConfig.domains = nil
		return
	}
	debugConfig.domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.domains[strings.TrimSpace(domain)] = true
	}
}

// IsDebugEnabledForDomain reports whether debug logging is on for a domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.enabled {
		return false
	}
	if debugConfig.domains == nil {
		return true
	}
	return debugConfig.domains[domain]
}

// NewLogger creates a logger tagged with agentID. Output goes to stderr so it
// never mixes with protocol output on stdout.
func NewLogger(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		logger:  log.New(os.Stderr, "", 0),
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("[%s] [%s] %s: %s", timestamp, l.agentID, level, message)
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.agentID) {
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

// GetAgentID returns the id this logger is tagged with.
func (l *Logger) GetAgentID() string {
	return l.agentID
}

// WithAgentID returns a logger writing to the same sink under a new id.
func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID, logger: l.logger}
}

var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error. Use when a failure must be
// both surfaced to the operator and propagated:
//
//	return logx.Errorf("wiring failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns the wrapped error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
