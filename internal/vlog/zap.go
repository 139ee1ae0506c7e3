package vlog

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// zapCore adapts a vlog.Logger into a zapcore.Core so that Logger.Zap()
// can hand out a real *zap.Logger backed by the same Output.
type zapCore struct {
	l Logger
}

func (z zapCore) Enabled(level zapcore.Level) bool {
	if level < zapcore.InfoLevel {
		return z.l.Debug
	}
	return true
}

func (z zapCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	merged := make(map[string]interface{}, len(z.l.Fields)+len(enc.Fields))
	for k, v := range z.l.Fields {
		merged[k] = v
	}
	for k, v := range enc.Fields {
		merged[k] = v
	}
	l2 := z.l
	l2.Fields = merged
	return zapCore{l: l2}
}

func (z zapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if z.Enabled(ent.Level) {
		return ce.AddCore(ent, z)
	}
	return ce
}

func (z zapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	args := make([]interface{}, 0, len(enc.Fields)*2)
	for k, v := range enc.Fields {
		args = append(args, k, v)
	}

	msg := ent.Message
	if ent.LoggerName != "" && !strings.HasPrefix(msg, ent.LoggerName) {
		msg = ent.LoggerName + ": " + msg
	}

	if ent.Level >= zapcore.ErrorLevel {
		if err, ok := enc.Fields["error"].(error); ok {
			z.l.Error(msg, err, args...)
			return nil
		}
	}
	if ent.Level <= zapcore.DebugLevel {
		z.l.DebugMsg(msg, args...)
		return nil
	}
	z.l.Msg(msg, args...)
	return nil
}

func (z zapCore) Sync() error { return nil }
