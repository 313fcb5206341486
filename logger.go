package devloop

// Logger defines the interface for structured logging inside the dev-mode
// core. All scan, compile and layer-composition activity is logged through
// this interface using key-value pairs, so embedding applications control
// how the output is rendered.
//
// The variadic arguments come in key-value pairs, compatible with slog,
// logrus, zap and similar structured logging libraries:
//
//	logger.Info("Restarting due to changes", "files", 3)
//
// Example implementation backed by log/slog:
//
//	type SlogLogger struct{ logger *slog.Logger }
//
//	func (l *SlogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
//	func (l *SlogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
//	func (l *SlogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
//	func (l *SlogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
type Logger interface {
	// Info logs an informational message with optional key-value pairs.
	Info(msg string, args ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, args ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, args ...any)
}

// noopLogger discards all log output. Used as the default when no logger is
// supplied so callers never have to nil-check.
type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
