package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/querycache"
)

var _ querycache.Logger = LogrusLogger{}

// LogrusLogger adapts a logrus entry to the engine's Logger interface.
// Wrap a bare *logrus.Logger with New.
type LogrusLogger struct{ E *logrus.Entry }

func New(l *logrus.Logger) LogrusLogger {
	return LogrusLogger{E: logrus.NewEntry(l)}
}

func (l LogrusLogger) Debug(msg string, f querycache.Fields) { l.E.WithFields(lf(f)).Debug(msg) }
func (l LogrusLogger) Info(msg string, f querycache.Fields)  { l.E.WithFields(lf(f)).Info(msg) }
func (l LogrusLogger) Warn(msg string, f querycache.Fields)  { l.E.WithFields(lf(f)).Warn(msg) }
func (l LogrusLogger) Error(msg string, f querycache.Fields) { l.E.WithFields(lf(f)).Error(msg) }

// lf converts engine fields. Error values become their message: logrus's
// JSON formatter marshals a bare error to "{}" since error types rarely
// export fields.
func lf(f querycache.Fields) logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out[k] = err.Error()
			continue
		}
		out[k] = v
	}
	return out
}
