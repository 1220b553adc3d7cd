package ctxd

import (
	"context"

	"github.com/bool64/ctxd"
	"github.com/unkn0wn-root/querycache"
)

var _ querycache.Logger = Logger{}

// Logger adapts a ctxd.Logger. The engine logs without a context, so
// entries are emitted against context.Background(); fields attached to it
// by ctxd middleware still apply.
type Logger struct{ L ctxd.Logger }

func (c Logger) Debug(msg string, f querycache.Fields) {
	c.L.Debug(context.Background(), msg, kv(f)...)
}
func (c Logger) Info(msg string, f querycache.Fields) {
	c.L.Info(context.Background(), msg, kv(f)...)
}
func (c Logger) Warn(msg string, f querycache.Fields) {
	c.L.Warn(context.Background(), msg, kv(f)...)
}
func (c Logger) Error(msg string, f querycache.Fields) {
	c.L.Error(context.Background(), msg, kv(f)...)
}

func kv(f querycache.Fields) []any {
	if len(f) == 0 {
		return nil
	}
	out := make([]any, 0, 2*len(f))
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
