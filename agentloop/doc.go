// Package agentloop implements the agent loop: a state machine that streams
// an assistant response, executes the tool calls it contains, feeds the
// results back and repeats until the model stops, a limit is reached, the run
// is aborted or a terminal error occurs.
//
// The loop uses the unifiedllm Client for provider calls. Transport retries
// happen in the reliability wrapper using the run's retry policy; the loop
// itself falls back to alternative models when a request fails before
// producing any content.
//
// # Architecture
//
// The package is organized around these core concepts:
//
//   - AgentLoop / AgentLoopContinue: one synchronous run over an AgentContext,
//     returning a RunResult with the final state, reason, messages and metrics.
//   - AgentTool and ToolRegistry: tools with JSON-schema parameters and a
//     ToolExecutor; NewTypedTool derives the schema from a Go struct.
//   - EventSink: receives AgentEvent values for every stage of a run.
//   - MessageQueue: steering and follow-up messages injected into a run.
//   - Agent: a stateful wrapper that keeps the conversation across runs and
//     owns the queues, abort controller and queue mode.
//   - ChildManager / RunChild: nested runs whose events reach the parent sink.
//
// # Quick Start
//
//	client := unifiedllm.NewClient(registry)
//	agent := agentloop.NewAgent(agentloop.AgentConfig{
//	    Model:  model,
//	    Client: client,
//	    Tools:  []agentloop.AgentTool{agentloop.EchoTool()},
//	    Sink:   agentloop.SinkFunc(func(ev agentloop.AgentEvent) { log.Println(ev.Kind) }),
//	})
//
//	res, err := agent.PromptText(ctx, "say hi")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.State, res.Reason)
package agentloop
