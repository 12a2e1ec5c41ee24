package unifiedllm

import "context"

// Provider is the interface every provider backend must implement. A provider
// serves exactly one wire-protocol family, identified by API.
//
// Stream returns a live event stream. An error returned directly from Stream is
// a failure before any event was produced and is classified by its *Error code.
// Once a stream is returned, failures arrive as its terminal error event.
type Provider interface {
	// API returns the protocol family this provider serves (e.g. "openai-completions").
	API() string

	// Stream starts a request and returns its event stream.
	Stream(ctx context.Context, model Model, c Context, opts *StreamOptions) (*EventStream, error)

	// StreamSimple is the collected-result variant: the returned stream carries
	// only the terminal event.
	StreamSimple(ctx context.Context, model Model, c Context, opts *SimpleStreamOptions) (*EventStream, error)
}

// Closer is implemented by providers that hold resources.
type Closer interface {
	Close() error
}

// ProviderFunc adapts a streaming function into a Provider. StreamSimple is
// derived from the stream by Simplify.
type ProviderFunc struct {
	APIName string
	Fn      func(ctx context.Context, model Model, c Context, opts *StreamOptions) (*EventStream, error)
}

// API implements Provider.
func (p ProviderFunc) API() string { return p.APIName }

// Stream implements Provider.
func (p ProviderFunc) Stream(ctx context.Context, model Model, c Context, opts *StreamOptions) (*EventStream, error) {
	return p.Fn(ctx, model, c, opts)
}

// StreamSimple implements Provider.
func (p ProviderFunc) StreamSimple(ctx context.Context, model Model, c Context, opts *SimpleStreamOptions) (*EventStream, error) {
	return SimpleFromStream(ctx, p, model, c, opts)
}

// SimpleFromStream implements StreamSimple on top of p.Stream.
func SimpleFromStream(ctx context.Context, p Provider, model Model, c Context, opts *SimpleStreamOptions) (*EventStream, error) {
	var so *StreamOptions
	if opts != nil {
		so = &opts.StreamOptions
	}
	s, err := p.Stream(ctx, model, c, so)
	if err != nil {
		return nil, err
	}
	return Simplify(ctx, s), nil
}
