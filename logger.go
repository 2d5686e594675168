package mtproto

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
)

// LogHandler is the sink a Logger writes formatted, leveled lines to.
// Callers inject their own to route sender logs into whatever logging
// infrastructure the embedding application already uses.
type LogHandler interface {
	Debug(message string)
	Info(message string)
	Warn(message string)
	Error(err error, message string)
}

// Logger is a thin leveled wrapper handed to every component that needs to
// report diagnostics (send loop, recv loop, reconnect). It never decides
// whether to log something; it only formats and forwards to LogHandler.
type Logger struct {
	hnd LogHandler
}

func NewLogger(hnd LogHandler) Logger {
	if hnd == nil {
		hnd = &SimpleLogHandler{}
	}
	return Logger{hnd}
}

func (l Logger) Debug(format string, args ...interface{}) {
	l.hnd.Debug(fmt.Sprintf(format, args...))
}

func (l Logger) Info(format string, args ...interface{}) {
	l.hnd.Info(fmt.Sprintf(format, args...))
}

func (l Logger) Warn(format string, args ...interface{}) {
	l.hnd.Warn(fmt.Sprintf(format, args...))
}

func (l Logger) Error(err error, format string, args ...interface{}) {
	l.hnd.Error(err, fmt.Sprintf(format, args...))
}

// SimpleLogHandler writes colored, timestamped lines to stderr. It is the
// default handler used when no LogHandler is supplied, matching the
// teacher's convention of never requiring a caller to wire up logging
// before a session is usable.
type SimpleLogHandler struct{}

var (
	colorDebug = color.New(color.FgWhite)
	colorInfo  = color.New(color.FgCyan)
	colorWarn  = color.New(color.FgYellow, color.Bold)
	colorError = color.New(color.FgRed, color.Bold)
)

func (h *SimpleLogHandler) Debug(message string) {
	h.write(colorDebug, "DEBUG", message)
}

func (h *SimpleLogHandler) Info(message string) {
	h.write(colorInfo, "INFO", message)
}

func (h *SimpleLogHandler) Warn(message string) {
	h.write(colorWarn, "WARN", message)
}

func (h *SimpleLogHandler) Error(err error, message string) {
	if err != nil {
		message = message + ": " + err.Error()
	}
	h.write(colorError, "ERROR", message)
}

func (h *SimpleLogHandler) write(c *color.Color, level, message string) {
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(os.Stderr, "%s [%s] %s\n", ts, c.Sprint(level), message)
}

// NoopLogHandler discards everything; useful in tests that don't want
// stderr noise from a Sender's internal logging.
type NoopLogHandler struct{}

func (NoopLogHandler) Debug(string)        {}
func (NoopLogHandler) Info(string)         {}
func (NoopLogHandler) Warn(string)         {}
func (NoopLogHandler) Error(error, string) {}
