package vlog

import (
	"fmt"
	"io"
	"sync"
	"time"
)

type writerOutput struct {
	mu     sync.Mutex
	w      io.Writer
	tsOnly bool
}

// WriterOutput builds an Output that writes timestamped lines to w. If
// minimal is true, only the time (no date) is prefixed — meant for
// interactive/foreground use (e.g. the queue CLI).
func WriterOutput(w io.Writer, minimal bool) Output {
	return &writerOutput{w: w, tsOnly: minimal}
}

func (o *writerOutput) Write(t time.Time, debug bool, s string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	layout := "2006-01-02T15:04:05.000Z07:00"
	if o.tsOnly {
		layout = "15:04:05.000"
	}

	prefix := t.Format(layout)
	if debug {
		prefix += " [debug]"
	}
	fmt.Fprintf(o.w, "%s %s\n", prefix, s)
}

// MultiOutput fans a single write out to every provided Output, e.g. to
// log to both stderr and a syslog/JSON-file appender simultaneously.
func MultiOutput(outs ...Output) Output {
	return multiOutput(outs)
}

type multiOutput []Output

func (m multiOutput) Write(t time.Time, debug bool, s string) {
	for _, o := range m {
		o.Write(t, debug, s)
	}
}
