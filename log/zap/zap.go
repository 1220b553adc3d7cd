package zap

import (
	"github.com/unkn0wn-root/querycache"
	"go.uber.org/zap"
)

var _ querycache.Logger = ZapLogger{}

// ZapLogger adapts a zap.Logger to the engine's Logger interface.
type ZapLogger struct{ L *zap.Logger }

func (z ZapLogger) Debug(msg string, f querycache.Fields) { z.L.Debug(msg, zf(f)...) }
func (z ZapLogger) Info(msg string, f querycache.Fields)  { z.L.Info(msg, zf(f)...) }
func (z ZapLogger) Warn(msg string, f querycache.Fields)  { z.L.Warn(msg, zf(f)...) }
func (z ZapLogger) Error(msg string, f querycache.Fields) { z.L.Error(msg, zf(f)...) }

// zf converts engine fields to zap fields. Error values go through
// zap.NamedError so encoders that special-case errors (stack traces,
// verbose formatting) see them as errors, not opaque values.
func zf(f querycache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}
