package logger

// Logger defines the interface for logging operations. Components that log
// take a Logger so tests can pass Nop() instead of the process logger.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
}
