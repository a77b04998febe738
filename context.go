package courier

import (
	"context"
	"time"
)

// Detach returns a context that is not canceled with parent but expires grace after
// parent is done. Use it to let in-flight work settle during shutdown.
func Detach(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.AfterFunc(grace, cancel)
		context.AfterFunc(ctx, func() { timer.Stop() })
	})

	return ctx, func() {
		stop()
		cancel()
	}
}
