package logging

import "go.uber.org/zap"

// zapLogger adapts *zap.Logger to Logger.
type zapLogger struct {
	z *zap.Logger
}

// NewZap wraps an existing *zap.Logger. Passing nil builds a production
// logger via zap.NewProduction, falling back to zap.NewNop if that
// construction itself fails (it only fails on an unwritable sink).
func NewZap(z *zap.Logger) Logger {
	if z == nil {
		built, err := zap.NewProduction()
		if err != nil {
			built = zap.NewNop()
		}
		z = built
	}
	return &zapLogger{z: z}
}

func (l *zapLogger) Trace(msg string, fields ...Field) {
	l.z.Debug(msg, toZap(append(fields, F("trace", true)))...)
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.z.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)   { l.z.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)   { l.z.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field)  { l.z.Error(msg, toZap(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{z: l.z.With(toZap(fields)...)}
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

type nopLogger struct{}

// Nop returns a Logger that discards everything, for tests and examples
// that don't want production logging noise.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Trace(string, ...Field)    {}
func (nopLogger) Debug(string, ...Field)    {}
func (nopLogger) Info(string, ...Field)     {}
func (nopLogger) Warn(string, ...Field)     {}
func (nopLogger) Error(string, ...Field)    {}
func (nopLogger) With(...Field) Logger      { return nopLogger{} }
