package logger

import (
	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the phuslu-style global logger. Every line
// carries a component field so engine output can be told apart from the
// host application's.
type PhusluLogger struct {
	component string
}

func NewPhusluLogger(component string) *PhusluLogger {
	if component == "" {
		component = "authz"
	}
	return &PhusluLogger{component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { p.write(phlog.Debug(), msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { p.write(phlog.Info(), msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { p.write(phlog.Error(), msg, keyvals) }

func (p *PhusluLogger) write(e *phlog.Entry, msg string, keyvals []any) {
	e = e.Str("component", p.component)
	pairs(keyvals, func(key string, value any) {
		switch v := value.(type) {
		case string:
			e = e.Str(key, v)
		case bool:
			e = e.Bool(key, v)
		case int:
			e = e.Int(key, v)
		case []string:
			e = e.Strs(key, v)
		default:
			e = e.Any(key, v)
		}
	})
	e.Msg(msg)
}
