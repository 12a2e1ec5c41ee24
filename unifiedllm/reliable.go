package unifiedllm

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/martinemde/pixy/internal/logger"
	"github.com/martinemde/pixy/internal/metrics"
)

// ReliableProvider decorates a Provider with transport retries. A failed
// attempt is retried only when no event has reached the consumer yet, so
// partial output is delivered at most once.
type ReliableProvider struct {
	inner   Provider
	policy  RetryPolicy
	limiter *rate.Limiter
}

// ReliableOption configures a ReliableProvider.
type ReliableOption func(*ReliableProvider)

// WithRetryPolicy sets the default policy used when a request does not
// override it.
func WithRetryPolicy(p RetryPolicy) ReliableOption {
	return func(r *ReliableProvider) {
		r.policy = p
	}
}

// WithRateLimiter makes every attempt wait on l first.
func WithRateLimiter(l *rate.Limiter) ReliableOption {
	return func(r *ReliableProvider) {
		r.limiter = l
	}
}

// NewReliableProvider wraps inner.
func NewReliableProvider(inner Provider, opts ...ReliableOption) *ReliableProvider {
	r := &ReliableProvider{inner: inner, policy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// API implements Provider.
func (r *ReliableProvider) API() string { return r.inner.API() }

// Inner returns the wrapped provider.
func (r *ReliableProvider) Inner() Provider { return r.inner }

// Close closes the wrapped provider if it holds resources.
func (r *ReliableProvider) Close() error {
	if c, ok := r.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}

// policyFor resolves the effective policy: an explicit per-request policy wins,
// then a per-request retry count, then the wrapper default.
func (r *ReliableProvider) policyFor(opts *StreamOptions) RetryPolicy {
	if opts != nil {
		if opts.Retry != nil {
			return *opts.Retry
		}
		if opts.TransportRetryCount != nil {
			return r.policy.WithRetries(*opts.TransportRetryCount)
		}
	}
	return r.policy
}

// openFunc starts one underlying stream attempt.
type openFunc func(ctx context.Context) (*EventStream, error)

// Stream implements Provider.
func (r *ReliableProvider) Stream(ctx context.Context, model Model, c Context, opts *StreamOptions) (*EventStream, error) {
	out := NewEventStream()
	open := func(ctx context.Context) (*EventStream, error) {
		return r.inner.Stream(ctx, model, c, opts)
	}
	go r.run(ctx, out, model, open, r.policyFor(opts))
	return out, nil
}

// StreamSimple implements Provider. Attempts go to the inner StreamSimple so
// simple-only options such as Reasoning reach the provider.
func (r *ReliableProvider) StreamSimple(ctx context.Context, model Model, c Context, opts *SimpleStreamOptions) (*EventStream, error) {
	var so *StreamOptions
	if opts != nil {
		so = &opts.StreamOptions
	}
	out := NewEventStream()
	open := func(ctx context.Context) (*EventStream, error) {
		return r.inner.StreamSimple(ctx, model, c, opts)
	}
	go r.run(ctx, out, model, open, r.policyFor(so))
	return out, nil
}

// classify turns a raw attempt error into an *Error. Unknown errors are
// protocol-class so they are not retried.
func classify(ctx context.Context, err error) *Error {
	if ctx.Err() != nil {
		return AbortedError(ctx.Err())
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return AbortedError(err)
	}
	return &Error{Code: CodeProviderProtocol, Message: err.Error(), Cause: err}
}

func (r *ReliableProvider) run(ctx context.Context, out *EventStream, model Model, open openFunc, policy RetryPolicy) {
	defer out.End()

	api := r.inner.API()
	log := logger.WithContext(ctx).With("api", api, "model", model.ID)
	base := Message{Role: RoleAssistant, API: model.API, Provider: model.Provider, Model: model.ID, Timestamp: nowMillis()}

	fail := func(partial Message, err *Error) {
		if err.Code == CodeAborted {
			metrics.RecordProviderAttempt(api, "aborted")
		} else {
			metrics.RecordProviderAttempt(api, "error")
		}
		// The consumer may have stopped reading after an abort.
		pushCtx := context.WithoutCancel(ctx)
		out.Push(pushCtx, ErrorEvent(partial, err))
	}

	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				fail(base, AbortedError(err))
				return
			}
		}

		failure, forwarded, done := r.attempt(ctx, out, open, base)
		if done {
			return
		}

		if forwarded || !IsRetryable(failure.Error) || attempt >= policy.attempts() {
			if failure.Code != CodeAborted && attempt > 1 {
				failure.WithDetail("attempts", attempt)
			}
			fail(failure.partial, failure.Error)
			return
		}

		metrics.RecordProviderAttempt(api, "retryable_error")
		metrics.RecordProviderRetry(api)
		delay := policy.Delay(attempt)
		log.Debug("retrying provider stream", "attempt", attempt, "delay", delay, "error", failure.Error)
		if policy.OnRetry != nil {
			policy.OnRetry(failure.Error, attempt, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			fail(base, AbortedError(err))
			return
		}
	}
}

type attemptFailure struct {
	*Error
	partial Message
}

// attempt runs one underlying stream. It returns done when the attempt ended
// the output stream (success or a terminal already delivered), otherwise the
// failure and whether any event reached the consumer.
func (r *ReliableProvider) attempt(ctx context.Context, out *EventStream, open openFunc, base Message) (attemptFailure, bool, bool) {
	api := r.inner.API()
	s, err := open(ctx)
	if err != nil {
		return attemptFailure{Error: classify(ctx, err), partial: base}, false, false
	}

	acc := NewMessageAccumulator()
	acc.Process(AssistantMessageEvent{Type: EventStart, Message: &base})
	var held []AssistantMessageEvent
	forwarded := false

	forward := func(ev AssistantMessageEvent) bool {
		if !forwarded {
			forwarded = true
			for _, h := range held {
				if !out.Push(ctx, h) {
					return false
				}
			}
			held = nil
		}
		return out.Push(ctx, ev)
	}

	for {
		select {
		case <-ctx.Done():
			s.Drain()
			return attemptFailure{Error: AbortedError(ctx.Err()), partial: acc.Message()}, forwarded, false
		case ev, ok := <-s.Events():
			if !ok {
				return attemptFailure{Error: ProtocolError("stream ended without a terminal event"), partial: acc.Message()}, forwarded, false
			}
			acc.Process(ev)
			switch ev.Type {
			case EventStart:
				if !forwarded {
					held = append(held, ev)
					continue
				}
			case EventError:
				e := ev.Error
				if e == nil {
					e = ProtocolError("error event without error")
				}
				partial := acc.Message()
				if ev.Message != nil && ev.Message.HasContent() {
					partial = ev.Message.Clone()
				}
				return attemptFailure{Error: e, partial: partial}, forwarded, false
			}
			if !forward(ev) {
				s.Drain()
				return attemptFailure{Error: AbortedError(ctx.Err()), partial: acc.Message()}, true, false
			}
			if ev.Type == EventDone {
				metrics.RecordProviderAttempt(api, "success")
				return attemptFailure{}, true, true
			}
		}
	}
}
