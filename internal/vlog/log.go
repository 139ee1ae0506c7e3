// Package vlog implements a minimalistic structured logging helper shared
// by every stage of the mail pipeline (session, queue workers, supervisor).
package vlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vsmtp/vsmtp-go/internal/verr"
)

// Output writes a single formatted log line. Implementations are
// responsible for their own goroutine-safety.
type Output interface {
	Write(t time.Time, debug bool, s string)
}

// Logger is a stateless, copyable value. Each message is prefixed with the
// logger Name; timestamp and debug-flag formatting are the Output's job.
type Logger struct {
	Out   Output
	Name  string
	Debug bool

	// Fields are merged into every Msg/Error call made through this Logger.
	Fields map[string]interface{}
}

// DefaultLogger is used by the package-level helper functions.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr, false)}

func Debugf(format string, val ...interface{}) { DefaultLogger.Debugf(format, val...) }
func Println(val ...interface{})               { DefaultLogger.Println(val...) }
func Printf(format string, val ...interface{}) { DefaultLogger.Printf(format, val...) }

func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(true, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.log(false, l.formatMsg(fmt.Sprintf(format, val...), nil))
}

func (l Logger) Println(val ...interface{}) {
	l.log(false, l.formatMsg(strings.TrimRight(fmt.Sprintln(val...), "\n"), nil))
}

// Msg writes a machine-readable event line: "name: msg\t{json fields}".
// fields is a flat key, value, key, value... sequence.
func (l Logger) Msg(msg string, fields ...interface{}) {
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(false, l.formatMsg(msg, m))
}

// Error writes an event describing err being handled at this point (msg
// names the context in which it happened, not the error itself). Fields
// attached to err via WithFields are merged in automatically.
func (l Logger) Error(msg string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := verr.Fields(err)
	all := make(map[string]interface{}, len(fields)+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["reason"] == nil {
		all["reason"] = err.Error()
	}
	fieldsToMap(fields, all)

	l.log(false, l.formatMsg(msg, all))
}

func (l Logger) DebugMsg(kind string, fields ...interface{}) {
	if !l.Debug {
		return
	}
	m := make(map[string]interface{}, len(fields)/2)
	fieldsToMap(fields, m)
	l.log(true, l.formatMsg(kind, m))
}

// Zap returns a *zap.Logger backed by the same Output, so libraries that
// expect a zap logger (TLS handshake tracing, etc.) write through the same
// sink as the rest of the process.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

func fieldsToMap(fields []interface{}, out map[string]interface{}) {
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				out[fmt.Sprintf("field%d", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
}

func (l Logger) formatMsg(msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	b.WriteRune('\t')

	if len(l.Fields)+len(fields) != 0 {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			fields[k] = v
		}
		if err := marshalOrdered(&b, fields); err != nil {
			return fmt.Sprintf("[BROKEN FORMATTING: %v] %v %+v", err, msg, fields)
		}
	}

	return b.String()
}

func (l Logger) log(debug bool, s string) {
	if l.Name != "" {
		s = l.Name + ": " + s
	}
	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
	}
}

// Write implements io.Writer: every call is logged as a separate message
// with no line-buffering, useful as a target for stdlib's log.Logger or
// protocol I/O tracing.
func (l Logger) Write(p []byte) (int, error) {
	l.log(false, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// DebugWriter returns an io.Writer that logs at debug level only, or
// io.Discard if debug logging is off for this Logger.
func (l Logger) DebugWriter() io.Writer {
	if !l.Debug {
		return io.Discard
	}
	return &l
}
