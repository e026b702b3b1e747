// Package logging is the structured-logging capability shared by every
// component (spec.md §7 "Error Handling Design" calls for "logged, not
// surfaced" failure paths throughout bus, lock, resilience, scheduler and
// metricsbuf). The default implementation wraps go.uber.org/zap, the
// logging library already in the dependency graph.
package logging

// Field is a single structured key/value pair attached to a log line.
// Concrete implementations translate it into their own structured-field
// type (zap.Field for the default Logger).
type Field struct {
	Key   string
	Value any
}

// F is a short constructor for Field, mirroring zap.Any's ergonomics.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the logging capability every other package depends on
// through an interface rather than a concrete *zap.Logger, so tests can
// swap in Nop() or a recording fake without touching call sites.
type Logger interface {
	// Trace logs the lowest-severity diagnostic detail. The default
	// implementation synthesizes it as a Debug line carrying an extra
	// trace=true field, since zap has no native Trace level.
	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a Logger that prepends fields to every subsequent
	// call, the way zap.Logger.With does.
	With(fields ...Field) Logger
}
