// Package ldlog contains a configurable logging component used by the SDK.
//
// The SDK can generate output at four logging levels. By default, all levels are enabled
// except Debug, and output is written to standard error. This can be customized with the
// Loggers methods, either on the Loggers instance within the SDK configuration or on a
// standalone instance.
package ldlog

import (
	"log"
	"os"
	"strings"
)

// BaseLogger is a generic logger interface with no level mechanism. Since its methods are
// a subset of Go's log.Logger, you may use log.New() to create a BaseLogger.
type BaseLogger interface {
	// Println logs a message on a single line, in the manner of log.Logger.Println.
	Println(values ...interface{})
	// Printf logs a message on a single line applying a format string, in the manner of
	// log.Logger.Printf.
	Printf(format string, values ...interface{})
}

// LogLevel describes one of the possible thresholds of log message, from Debug to Error.
type LogLevel int

const (
	// Debug is the least significant logging level, containing verbose output you will
	// normally not need to see. This level is disabled by default.
	Debug LogLevel = iota + 1
	// Info is the logging level for informational messages about normal operation.
	Info
	// Warn is the logging level for messages about an uncommon condition that is not
	// necessarily an error.
	Warn
	// Error is the logging level for error conditions that should not happen during
	// normal operation of the SDK.
	Error
	// None means no messages at all should be logged.
	None
)

// Name returns a descriptive name for this log level.
func (level LogLevel) Name() string {
	switch level {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warn:
		return "Warn"
	case Error:
		return "Error"
	case None:
		return "None"
	}
	return "?"
}

// String is the default string representation of LogLevel, which is the same as Name().
func (level LogLevel) String() string {
	return level.Name()
}

// Loggers is a configurable logging component with a level filter.
//
// The zero value is usable: it writes to standard error with a "[LaunchDarkly]" prefix
// and a minimum level of Info.
type Loggers struct {
	levels     [4]levelLogger
	baseLogger BaseLogger
	minLevel   LogLevel
	prefix     string
	inited     bool
}

type levelLogger struct {
	baseLogger     BaseLogger
	enabled        bool
	prefix         string
	overrideLogger bool
}

var disabledLog = levelLogger{}

// Debug logs a message at Debug level, if that level is enabled. It calls the BaseLogger's Println.
func (l Loggers) Debug(values ...interface{}) {
	l.ForLevel(Debug).Println(values...)
}

// Debugf logs a message at Debug level with a format string, if that level is enabled. It calls
// the BaseLogger's Printf.
func (l Loggers) Debugf(format string, values ...interface{}) {
	l.ForLevel(Debug).Printf(format, values...)
}

// Info logs a message at Info level, if that level is enabled. It calls the BaseLogger's Println.
func (l Loggers) Info(values ...interface{}) {
	l.ForLevel(Info).Println(values...)
}

// Infof logs a message at Info level with a format string, if that level is enabled. It calls
// the BaseLogger's Printf.
func (l Loggers) Infof(format string, values ...interface{}) {
	l.ForLevel(Info).Printf(format, values...)
}

// Warn logs a message at Warn level, if that level is enabled. It calls the BaseLogger's Println.
func (l Loggers) Warn(values ...interface{}) {
	l.ForLevel(Warn).Println(values...)
}

// Warnf logs a message at Warn level with a format string, if that level is enabled. It calls
// the BaseLogger's Printf.
func (l Loggers) Warnf(format string, values ...interface{}) {
	l.ForLevel(Warn).Printf(format, values...)
}

// Error logs a message at Error level, if that level is enabled. It calls the BaseLogger's Println.
func (l Loggers) Error(values ...interface{}) {
	l.ForLevel(Error).Println(values...)
}

// Errorf logs a message at Error level with a format string, if that level is enabled. It calls
// the BaseLogger's Printf.
func (l Loggers) Errorf(format string, values ...interface{}) {
	l.ForLevel(Error).Printf(format, values...)
}

// ForLevel returns a BaseLogger that writes messages at the specified level. All of the
// existing level configuration applies, so loggers.ForLevel(Debug).Println("x") is exactly
// the same as loggers.Debug("x").
//
// If the level is not a valid log level, the return value is non-nil but produces no output.
func (l Loggers) ForLevel(level LogLevel) BaseLogger {
	if level >= l.minLevel {
		if ll := l.levelLogger(level); ll != nil {
			return *ll
		}
	}
	return disabledLog
}

// SetBaseLogger specifies the destination for output at all log levels, except any levels
// whose logger has been overridden with SetBaseLoggerForLevel. Messages are prefixed with
// "NAME: " where NAME is DEBUG, INFO, etc.
//
// If baseLogger is nil, nothing is changed.
func (l *Loggers) SetBaseLogger(baseLogger BaseLogger) {
	l.ensureInited()
	if baseLogger == nil {
		return
	}
	l.baseLogger = baseLogger
	for i := range l.levels {
		if !l.levels[i].overrideLogger {
			l.levels[i].baseLogger = baseLogger
		}
	}
}

// SetBaseLoggerForLevel specifies the destination for output at the given log level only.
// If baseLogger is nil, this level reverts to the default from SetBaseLogger.
func (l *Loggers) SetBaseLoggerForLevel(level LogLevel, baseLogger BaseLogger) {
	l.ensureInited()
	ll := l.levelLogger(level)
	if ll == nil {
		return
	}
	if baseLogger == nil {
		ll.baseLogger = l.baseLogger
		ll.overrideLogger = false
	} else {
		ll.baseLogger = baseLogger
		ll.overrideLogger = true
	}
}

// SetMinLevel specifies the minimum level for log output, where Debug is the lowest and
// Error is the highest. Log messages at a level lower than this are suppressed. The
// default is Info.
func (l *Loggers) SetMinLevel(minLevel LogLevel) {
	l.ensureInited()
	l.minLevel = minLevel
	l.configureLevels()
}

// SetPrefix specifies a string to be added before every log message, after the "LEVEL:"
// prefix. Do not include a trailing space.
func (l *Loggers) SetPrefix(prefix string) {
	l.ensureInited()
	l.prefix = prefix
	l.configureLevels()
}

// Init ensures that the Loggers instance is ready to use, applying default settings for
// any properties that were not explicitly configured. The SDK calls this automatically;
// it is exposed for use by custom components that share a Loggers instance.
func (l *Loggers) Init() {
	l.ensureInited()
}

func (l *Loggers) ensureInited() {
	if l.inited {
		return
	}
	l.minLevel = Info
	l.baseLogger = log.New(os.Stderr, "[LaunchDarkly] ", log.LstdFlags)
	for i := range l.levels {
		l.levels[i].baseLogger = l.baseLogger
	}
	l.configureLevels()
	l.inited = true
}

func (l *Loggers) configureLevels() {
	for i := range l.levels {
		level := Debug + LogLevel(i)
		l.levels[i].enabled = level >= l.minLevel
		l.levels[i].prefix = strings.ToUpper(level.Name()) + ":"
		if l.prefix != "" {
			l.levels[i].prefix += " " + l.prefix
		}
	}
}

func (l *Loggers) levelLogger(level LogLevel) *levelLogger {
	if level < Debug || level > Error {
		return nil
	}
	return &l.levels[level-Debug]
}

func (ll levelLogger) Println(values ...interface{}) {
	if !ll.enabled || ll.baseLogger == nil {
		return
	}
	vs := make([]interface{}, 0, len(values)+1)
	vs = append(vs, ll.prefix)
	vs = append(vs, values...)
	ll.baseLogger.Println(vs...)
}

func (ll levelLogger) Printf(format string, args ...interface{}) {
	if !ll.enabled || ll.baseLogger == nil {
		return
	}
	ll.baseLogger.Printf(ll.prefix+" "+format, args...)
}
