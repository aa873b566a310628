package httpapi

import "context"

// serverBaseCtx is canceled on shutdown so in-flight synchronous executions
// stop with the process.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level context; nil resets it.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a context canceled when either parent is done. The
// cancel func must be called to release the watcher goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
		case <-b.Done():
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}
