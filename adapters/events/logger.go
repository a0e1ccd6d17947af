package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-logr/logr"
)

// LogrAdapter lets Watermill log through a logr.Logger
type LogrAdapter struct {
	log logr.Logger
}

// NewLogrAdapter wraps log for Watermill
func NewLogrAdapter(log logr.Logger) watermill.LoggerAdapter {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &LogrAdapter{log: log.WithName("watermill")}
}

func (l *LogrAdapter) Error(msg string, err error, fields watermill.LogFields) {
	l.log.Error(err, msg, keysAndValues(fields)...)
}

func (l *LogrAdapter) Info(msg string, fields watermill.LogFields) {
	l.log.Info(msg, keysAndValues(fields)...)
}

func (l *LogrAdapter) Debug(msg string, fields watermill.LogFields) {
	l.log.V(1).Info(msg, keysAndValues(fields)...)
}

func (l *LogrAdapter) Trace(msg string, fields watermill.LogFields) {
	l.log.V(2).Info(msg, keysAndValues(fields)...)
}

func (l *LogrAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LogrAdapter{log: l.log.WithValues(keysAndValues(fields)...)}
}

func keysAndValues(fields watermill.LogFields) []any {
	kv := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return kv
}
