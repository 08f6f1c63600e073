package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// PanicHandler is called with the goroutine name and the recovered value when
// a goroutine started by Go panics. The default logs at error level.
var PanicHandler = func(name string, r any) {
	logrus.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     fmt.Sprint(r),
	}).Errorf("goroutine panicked\n%s", debug.Stack())
}

// Go starts a named goroutine carrying a pprof label, so it can be told apart
// in profiles and stack dumps:
//
//	groutine.Go(ctx, "reconnect-mqtt", func(ctx context.Context) {
//	    // work
//	})
//
// A panic inside fn is recovered and passed to PanicHandler instead of taking
// the process down. If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				PanicHandler(name, r)
			}
		}()

		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
