// Package unifiedllm is the provider layer of the agent runtime. It normalizes
// heterogeneous model streams into one ordered event algebra and makes
// providers pluggable by wire-protocol family.
//
// # Architecture
//
// The package is organized in layers:
//
//   - Data model: Message, Context, Model, Tool, ToolCall, Usage and Cost
//   - Event stream protocol: EventStream carries AssistantMessageEvent values
//     from exactly one producer to exactly one consumer and ends with exactly
//     one terminal event (done or error)
//   - Provider interface and Registry: providers are looked up by Model.API and
//     registered in batches under a source id so a batch can be removed at once
//   - ReliableProvider: a decorator that retries transport failures that happen
//     before any event reached the consumer
//   - Validator: checks tool call arguments against the tool's JSON schema
//   - Client: resolves a provider through the registry and exposes Stream,
//     StreamSimple, Complete and CompleteSimple with stream middleware
//
// # Quick Start
//
//	registry := unifiedllm.NewRegistry(unifiedllm.WithBuiltins(
//	    unifiedllm.GollmBuiltins(map[string]string{"openai": os.Getenv("OPENAI_API_KEY")})...,
//	))
//	registry.Init()
//	client := unifiedllm.NewClient(registry)
//
//	model, _ := unifiedllm.LookupModel("gpt-4o-mini")
//	msg, err := client.Complete(ctx, model, unifiedllm.Context{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	}, nil)
//	fmt.Println(msg.TextContent())
//
// # Errors
//
// Every failure is an *Error carrying a machine-readable Code, a message and
// optional JSON Details. IsRetryable decides which failures the
// ReliableProvider may retry.
package unifiedllm
