package agentloop

import (
	"context"
	"errors"
)

// ErrAborted is the cancellation cause recorded by AbortController.Abort.
var ErrAborted = errors.New("run aborted")

// AbortController owns an AbortSignal. Abort is one-way and idempotent.
type AbortController struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewAbortController creates a controller whose signal also fires when parent
// is cancelled. A nil parent means context.Background.
func NewAbortController(parent context.Context) *AbortController {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &AbortController{ctx: ctx, cancel: cancel}
}

// Abort fires the signal.
func (c *AbortController) Abort() {
	c.cancel(ErrAborted)
}

// Signal returns the observer side.
func (c *AbortController) Signal() *AbortSignal {
	return &AbortSignal{ctx: c.ctx}
}

// AbortSignal is observed by the loop at every suspension point.
type AbortSignal struct {
	ctx context.Context
}

// Aborted reports whether the signal fired.
func (s *AbortSignal) Aborted() bool {
	if s == nil {
		return false
	}
	return s.ctx.Err() != nil
}

// Done is closed when the signal fires.
func (s *AbortSignal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.ctx.Done()
}

// bind returns a context cancelled when either ctx or the signal fires.
func (s *AbortSignal) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	if s == nil {
		return context.WithCancel(ctx)
	}
	out, cancel := context.WithCancelCause(ctx)
	if s.ctx.Err() != nil {
		cancel(context.Cause(s.ctx))
	}
	stop := context.AfterFunc(s.ctx, func() {
		cancel(context.Cause(s.ctx))
	})
	return out, func() {
		stop()
		cancel(context.Canceled)
	}
}
