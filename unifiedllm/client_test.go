package unifiedllm_test

import (
	"context"
	"testing"

	"github.com/martinemde/pixy/unifiedllm"
	"github.com/martinemde/pixy/unifiedllm/providertest"
)

func newTestClient(p unifiedllm.Provider, opts ...unifiedllm.ClientOption) *unifiedllm.Client {
	r := unifiedllm.NewRegistry()
	r.Register(p, "test")
	return unifiedllm.NewClient(r, opts...)
}

func hello() unifiedllm.Context {
	return unifiedllm.Context{Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hi")}}
}

func TestClientComplete(t *testing.T) {
	client := newTestClient(providertest.New("scripted", providertest.Reply("Hello!")))

	msg, err := client.Complete(context.Background(), testModel, hello(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextContent() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", msg.TextContent())
	}
	if msg.Model != testModel.ID {
		t.Errorf("expected model %q, got %q", testModel.ID, msg.Model)
	}
	if msg.Usage == nil || msg.Usage.TotalTokens != providertest.DefaultUsage.TotalTokens {
		t.Errorf("unexpected usage: %+v", msg.Usage)
	}
}

func TestClientProviderRouting(t *testing.T) {
	r := unifiedllm.NewRegistry()
	r.Register(providertest.New("api-a", providertest.Reply("from a")), "test")
	r.Register(providertest.New("api-b", providertest.Reply("from b")), "test")
	client := unifiedllm.NewClient(r)

	msg, err := client.Complete(context.Background(), unifiedllm.Model{ID: "m", API: "api-b"}, hello(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextContent() != "from b" {
		t.Errorf("expected routing by api, got %q", msg.TextContent())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := unifiedllm.NewClient(unifiedllm.NewRegistry())
	_, err := client.Stream(context.Background(), unifiedllm.Model{ID: "m", API: "nope"}, hello(), nil)
	if err == nil {
		t.Fatal("expected error for unregistered api")
	}
	if unifiedllm.CodeOf(err) != unifiedllm.CodeProviderProtocol {
		t.Errorf("expected provider_protocol, got %v", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []int
	mw := func(n int) unifiedllm.StreamMiddleware {
		return func(ctx context.Context, req unifiedllm.StreamRequest, next unifiedllm.StreamHandler) (*unifiedllm.EventStream, error) {
			order = append(order, n)
			s, err := next(ctx, req)
			order = append(order, -n)
			return s, err
		}
	}
	client := newTestClient(providertest.New("scripted", providertest.Reply("ok")),
		unifiedllm.WithStreamMiddleware(mw(1), mw(2)))

	if _, err := client.Complete(context.Background(), testModel, hello(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	client := newTestClient(providertest.New("scripted", providertest.Reply("Hello world")),
		unifiedllm.WithStreamMiddleware(unifiedllm.LoggingMiddleware()))

	s, err := client.Stream(context.Background(), testModel, hello(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := collect(t, s)
	if events[0].Type != unifiedllm.EventStart {
		t.Errorf("expected start, got %q", events[0].Type)
	}
	var sawDelta bool
	for _, ev := range events {
		if ev.Type == unifiedllm.EventTextDelta && ev.Delta == "Hello world" {
			sawDelta = true
		}
	}
	if !sawDelta {
		t.Error("expected the text delta to be forwarded")
	}
	if events[len(events)-1].Type != unifiedllm.EventDone {
		t.Errorf("expected done last, got %q", events[len(events)-1].Type)
	}
}

func TestClientStreamSimple(t *testing.T) {
	client := newTestClient(providertest.New("scripted", providertest.Reply("Hello world")))

	s, err := client.StreamSimple(context.Background(), testModel, hello(), &unifiedllm.SimpleStreamOptions{Reasoning: unifiedllm.ThinkingLow})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := collect(t, s)
	if len(events) != 1 || events[0].Type != unifiedllm.EventDone {
		t.Fatalf("expected only the terminal event, got %+v", events)
	}

	msg, err := newTestClient(providertest.New("scripted", providertest.Reply("again"))).
		CompleteSimple(context.Background(), testModel, hello(), nil)
	if err != nil || msg.TextContent() != "again" {
		t.Errorf("unexpected CompleteSimple result: %q %v", msg.TextContent(), err)
	}
}

func TestClientCompleteReturnsPartialOnError(t *testing.T) {
	client := newTestClient(providertest.New("scripted",
		providertest.PartialThenFail("half", unifiedllm.ProtocolError("bad frame"))))

	msg, err := client.Complete(context.Background(), testModel, hello(), nil)
	if unifiedllm.CodeOf(err) != unifiedllm.CodeProviderProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if msg.TextContent() != "half" || msg.StopReason != unifiedllm.StopReasonError {
		t.Errorf("unexpected partial message: %+v", msg)
	}
}
