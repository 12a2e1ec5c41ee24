package unifiedllm

import (
	"context"
	"time"

	"github.com/martinemde/pixy/internal/logger"
)

// StreamRequest is one provider call as seen by middleware.
type StreamRequest struct {
	Model   Model
	Context Context
	Options *StreamOptions
	// Simple selects the collected-result variant; Reasoning only applies then.
	Simple    bool
	Reasoning ThinkingLevel
}

// StreamHandler performs a provider call.
type StreamHandler func(ctx context.Context, req StreamRequest) (*EventStream, error)

// StreamMiddleware wraps a provider call. It receives the request and a next
// function that calls the downstream handler.
type StreamMiddleware func(ctx context.Context, req StreamRequest, next StreamHandler) (*EventStream, error)

// Client resolves providers through a Registry by Model.API and applies
// middleware around every call.
type Client struct {
	registry *Registry
	streamMW []StreamMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStreamMiddleware adds stream middleware to the client. The first
// registered middleware runs outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) {
		c.streamMW = append(c.streamMW, mw...)
	}
}

// NewClient creates a Client backed by registry.
func NewClient(registry *Registry, opts ...ClientOption) *Client {
	c := &Client{registry: registry}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the client resolves providers from.
func (c *Client) Registry() *Registry {
	return c.registry
}

// resolveProvider finds the provider registered for api.
func (c *Client) resolveProvider(api string) (Provider, error) {
	if c.registry != nil {
		if p, ok := c.registry.Get(api); ok {
			return p, nil
		}
	}
	return nil, Errorf(CodeProviderProtocol, "No API provider registered for api: %s", api).
		WithDetail("api", api)
}

func (c *Client) dispatch(ctx context.Context, req StreamRequest) (*EventStream, error) {
	provider, err := c.resolveProvider(req.Model.API)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, r StreamRequest) (*EventStream, error) {
		if r.Simple {
			so := &SimpleStreamOptions{Reasoning: r.Reasoning}
			if r.Options != nil {
				so.StreamOptions = *r.Options
			}
			return provider.StreamSimple(ctx, r.Model, r.Context, so)
		}
		return provider.Stream(ctx, r.Model, r.Context, r.Options)
	}

	// Apply middleware in reverse order so first registered runs first.
	for i := len(c.streamMW) - 1; i >= 0; i-- {
		mw := c.streamMW[i]
		next := handler
		handler = func(ctx context.Context, r StreamRequest) (*EventStream, error) {
			return mw(ctx, r, next)
		}
	}

	return handler(ctx, req)
}

// Stream starts a streaming request with the provider registered for model.API.
func (c *Client) Stream(ctx context.Context, model Model, conv Context, opts *StreamOptions) (*EventStream, error) {
	return c.dispatch(ctx, StreamRequest{Model: model, Context: conv, Options: opts})
}

// StreamSimple starts a collected-result request: the stream carries only the
// terminal event.
func (c *Client) StreamSimple(ctx context.Context, model Model, conv Context, opts *SimpleStreamOptions) (*EventStream, error) {
	req := StreamRequest{Model: model, Context: conv, Simple: true}
	if opts != nil {
		so := opts.StreamOptions
		req.Options = &so
		req.Reasoning = opts.Reasoning
	}
	return c.dispatch(ctx, req)
}

// Complete streams a request and waits for the final message. An error
// terminal returns the partial message together with the *Error.
func (c *Client) Complete(ctx context.Context, model Model, conv Context, opts *StreamOptions) (Message, error) {
	s, err := c.Stream(ctx, model, conv, opts)
	if err != nil {
		return Message{}, err
	}
	return s.Result(ctx)
}

// CompleteSimple is Complete over StreamSimple.
func (c *Client) CompleteSimple(ctx context.Context, model Model, conv Context, opts *SimpleStreamOptions) (Message, error) {
	s, err := c.StreamSimple(ctx, model, conv, opts)
	if err != nil {
		return Message{}, err
	}
	return s.Result(ctx)
}

// LoggingMiddleware logs each provider call and its terminal outcome at debug
// level.
func LoggingMiddleware() StreamMiddleware {
	return func(ctx context.Context, req StreamRequest, next StreamHandler) (*EventStream, error) {
		log := logger.WithContext(ctx).With("api", req.Model.API, "model", req.Model.ID)
		start := time.Now()
		s, err := next(ctx, req)
		if err != nil {
			log.Debug("provider stream failed to start", "error", err)
			return nil, err
		}
		return tap(ctx, s, func(ev AssistantMessageEvent) {
			switch ev.Type {
			case EventDone:
				attrs := []any{"stop_reason", ev.Reason, "duration", time.Since(start)}
				if ev.Message != nil && ev.Message.Usage != nil {
					attrs = append(attrs, "total_tokens", ev.Message.Usage.TotalTokens)
				}
				log.Debug("provider stream done", attrs...)
			case EventError:
				log.Debug("provider stream error", "error", ev.Error, "duration", time.Since(start))
			}
		}), nil
	}
}

// tap forwards every event of src to a new stream, calling fn on each.
func tap(ctx context.Context, src *EventStream, fn func(AssistantMessageEvent)) *EventStream {
	out := NewEventStream()
	go func() {
		defer out.End()
		for ev := range src.Events() {
			fn(ev)
			if !out.Push(ctx, ev) {
				src.Drain()
				return
			}
		}
	}()
	return out
}
