// Package groutine starts goroutines carrying a name, visible in pprof
// goroutine profiles as the "goroutine_name" label.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labelled with name.
// A nil parent is treated as context.Background().
//
//	groutine.Go(ctx, "session-actor", func(ctx context.Context) {
//	    s.loop(ctx)
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the name the current goroutine was started with, or "".
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}
