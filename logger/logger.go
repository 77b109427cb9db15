// Package logger defines the small structured logging surface used by the
// authorization engine and a few adapters for common backends.
package logger

// Logger accepts alternating key/value pairs after the message.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
}

// NullLogger discards everything. Useful in tests.
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (n *NullLogger) Debug(msg string, keyvals ...any) {}
func (n *NullLogger) Info(msg string, keyvals ...any)  {}
func (n *NullLogger) Error(msg string, keyvals ...any) {}

// pairs walks keyvals two at a time; a trailing odd key is dropped.
func pairs(keyvals []any, fn func(key string, value any)) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = stringify(keyvals[i])
		}
		fn(key, keyvals[i+1])
	}
}
