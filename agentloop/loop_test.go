package agentloop_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/martinemde/pixy/agentloop"
	"github.com/martinemde/pixy/unifiedllm"
	"github.com/martinemde/pixy/unifiedllm/providertest"
)

var testModel = unifiedllm.Model{ID: "scripted-1", API: "scripted", Provider: "test"}

var fastRetry = agentloop.AgentRetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     time.Millisecond,
	NoJitter:       true,
}

func newClient(providers ...unifiedllm.Provider) *unifiedllm.Client {
	reg := unifiedllm.NewRegistry()
	for _, p := range providers {
		reg.Register(unifiedllm.NewReliableProvider(p), "test")
	}
	return unifiedllm.NewClient(reg)
}

func loopConfig(client *unifiedllm.Client) agentloop.AgentLoopConfig {
	return agentloop.AgentLoopConfig{Model: testModel, Client: client, Retry: fastRetry}
}

func runLoop(t *testing.T, prompt string, conv agentloop.AgentContext, cfg agentloop.AgentLoopConfig, sink agentloop.EventSink) *agentloop.RunResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := agentloop.AgentLoop(ctx, []unifiedllm.Message{unifiedllm.UserMessage(prompt)}, conv, cfg, sink)
	if err != nil {
		t.Fatalf("AgentLoop: %v", err)
	}
	return res
}

func roles(msgs []unifiedllm.Message) []unifiedllm.Role {
	out := make([]unifiedllm.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

// blockingTool waits until its context is cancelled.
func blockingTool(name string, started chan<- struct{}) agentloop.AgentTool {
	return agentloop.AgentTool{
		Name: name,
		Executor: agentloop.ToolExecutorFunc(func(ctx context.Context, _ string, _ json.RawMessage) (agentloop.AgentToolResult, error) {
			if started != nil {
				started <- struct{}{}
			}
			<-ctx.Done()
			return agentloop.TextResult("too late"), nil
		}),
	}
}

func sleepTool(name string, d time.Duration) agentloop.AgentTool {
	return agentloop.AgentTool{
		Name: name,
		Executor: agentloop.ToolExecutorFunc(func(ctx context.Context, _ string, _ json.RawMessage) (agentloop.AgentToolResult, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
			return agentloop.TextResult(name + " done"), nil
		}),
	}
}

func TestAgentLoopEchoTool(t *testing.T) {
	p := providertest.New("scripted")
	p.Fallback = providertest.EchoTool("echo")
	sink := &agentloop.MemorySink{}

	conv := agentloop.AgentContext{SystemPrompt: "be brief", Tools: []agentloop.AgentTool{agentloop.EchoTool()}}
	res := runLoop(t, "hello", conv, loopConfig(newClient(p)), sink)

	if res.State != agentloop.StateDone || res.Reason != agentloop.ReasonStop {
		t.Fatalf("expected done/stop, got %s/%s (%v)", res.State, res.Reason, res.Error)
	}
	want := []unifiedllm.Role{unifiedllm.RoleUser, unifiedllm.RoleAssistant, unifiedllm.RoleToolResult, unifiedllm.RoleAssistant}
	got := roles(res.Messages)
	if len(got) != len(want) {
		t.Fatalf("expected roles %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected roles %v, got %v", want, got)
		}
	}
	if res.Messages[2].TextContent() != "hello" || res.Messages[2].IsError {
		t.Errorf("unexpected tool result: %+v", res.Messages[2])
	}
	if res.Messages[2].ToolCallID != res.Messages[1].ToolCalls()[0].ID {
		t.Errorf("tool result does not reference the call")
	}
	if last, _ := res.LastAssistant(); last.TextContent() != "hello" {
		t.Errorf("expected final text hello, got %q", last.TextContent())
	}
	if len(res.Context.Messages) != 4 {
		t.Errorf("expected 4 context messages, got %d", len(res.Context.Messages))
	}

	kinds := sink.Kinds()
	if kinds[0] != agentloop.EventAgentStart || kinds[len(kinds)-1] != agentloop.EventAgentEnd {
		t.Errorf("expected agent_start first and agent_end last, got %v", kinds)
	}
	if n := len(sink.OfKind(agentloop.EventTurnStart)); n != 2 {
		t.Errorf("expected 2 turns, got %d", n)
	}
	if len(sink.OfKind(agentloop.EventTurnEnd)) != len(sink.OfKind(agentloop.EventTurnStart)) {
		t.Error("turn_start and turn_end are unbalanced")
	}
	if len(sink.OfKind(agentloop.EventMessageStart)) != len(sink.OfKind(agentloop.EventMessageEnd)) {
		t.Error("message_start and message_end are unbalanced")
	}
	if res.Metrics.AssistantRequests != 2 || res.Metrics.ToolExecutions != 1 {
		t.Errorf("unexpected metrics: %+v", res.Metrics)
	}
	if res.Metrics.Usage.TotalTokens != 2*providertest.DefaultUsage.TotalTokens {
		t.Errorf("expected usage to accumulate, got %d", res.Metrics.Usage.TotalTokens)
	}

	reqs := p.Requests()
	if reqs[0].SystemPrompt != "be brief" || len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("unexpected first request: %+v", reqs[0])
	}
}

func TestAgentLoopToolResultsInCallOrder(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("a", "slow", map[string]any{}), providertest.Call("b", "fast", map[string]any{})),
		providertest.Reply("done"),
	)
	sink := &agentloop.MemorySink{}
	conv := agentloop.AgentContext{Tools: []agentloop.AgentTool{
		sleepTool("slow", 50*time.Millisecond),
		sleepTool("fast", 0),
	}}
	res := runLoop(t, "go", conv, loopConfig(newClient(p)), sink)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	results := res.Messages[2:4]
	if results[0].ToolCallID != "a" || results[1].ToolCallID != "b" {
		t.Errorf("expected results in call order a,b; got %s,%s", results[0].ToolCallID, results[1].ToolCallID)
	}

	ends := sink.OfKind(agentloop.EventToolExecutionEnd)
	if len(ends) != 2 || ends[0].ToolCallID != "b" || ends[1].ToolCallID != "a" {
		t.Errorf("expected completion order b,a in events")
	}
	if res.Metrics.Duration < 50*time.Millisecond {
		t.Errorf("expected run duration to cover the slow tool, got %v", res.Metrics.Duration)
	}
	if res.Metrics.Duration < res.Metrics.AssistantRequestTime {
		t.Errorf("run duration %v shorter than request time %v", res.Metrics.Duration, res.Metrics.AssistantRequestTime)
	}
	ms := sink.OfKind(agentloop.EventMetrics)
	if len(ms) != 1 || ms[0].Metrics.Duration != res.Metrics.Duration {
		t.Error("expected metrics event to carry the run duration")
	}
}

func TestAgentLoopUnknownToolIsFedBack(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("c1", "delete_everything", map[string]any{})),
		providertest.Reply("sorry"),
	)
	conv := agentloop.AgentContext{Tools: []agentloop.AgentTool{agentloop.EchoTool()}}
	res := runLoop(t, "clean up", conv, loopConfig(newClient(p)), nil)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	result := res.Messages[2]
	if !result.IsError || result.ToolCallID != "c1" {
		t.Fatalf("expected error result for c1, got %+v", result)
	}
	if !strings.Contains(string(result.Details), string(unifiedllm.CodeToolNotFound)) {
		t.Errorf("expected tool_not_found details, got %s", result.Details)
	}
	if p.Calls() != 2 {
		t.Errorf("expected the model to be called again, got %d calls", p.Calls())
	}
}

func TestAgentLoopInvalidArguments(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("c1", "echo", map[string]any{"text": 42})),
		providertest.Reply("ok"),
	)
	executed := false
	echo := agentloop.EchoTool()
	inner := echo.Executor
	echo.Executor = agentloop.ToolExecutorFunc(func(ctx context.Context, id string, args json.RawMessage) (agentloop.AgentToolResult, error) {
		executed = true
		return inner.Execute(ctx, id, args)
	})
	conv := agentloop.AgentContext{Tools: []agentloop.AgentTool{echo}}
	res := runLoop(t, "echo", conv, loopConfig(newClient(p)), nil)

	if executed {
		t.Error("executor must not run for invalid arguments")
	}
	if !res.Messages[2].IsError || !strings.Contains(string(res.Messages[2].Details), string(unifiedllm.CodeToolArgumentsInvalid)) {
		t.Errorf("expected tool_arguments_invalid result, got %+v", res.Messages[2])
	}
}

func TestAgentLoopToolPanicBecomesErrorResult(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("c1", "boom", map[string]any{})),
		providertest.Reply("recovered"),
	)
	boom := agentloop.AgentTool{Name: "boom", Executor: agentloop.ToolExecutorFunc(func(context.Context, string, json.RawMessage) (agentloop.AgentToolResult, error) {
		panic("kaboom")
	})}
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{boom}}, loopConfig(newClient(p)), nil)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if !res.Messages[2].IsError || !strings.Contains(res.Messages[2].TextContent(), "kaboom") {
		t.Errorf("expected panic error result, got %+v", res.Messages[2])
	}
}

func TestAgentLoopToolOutputTruncated(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("c1", "big", map[string]any{})),
		providertest.Reply("ok"),
	)
	big := agentloop.AgentTool{Name: "big", Executor: agentloop.ToolExecutorFunc(func(context.Context, string, json.RawMessage) (agentloop.AgentToolResult, error) {
		return agentloop.TextResult(strings.Repeat("x", 1000)), nil
	})}
	cfg := loopConfig(newClient(p))
	cfg.ToolOutputLimit = agentloop.OutputLimit{MaxChars: 100, Mode: agentloop.TruncateTail}
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{big}}, cfg, nil)

	text := res.Messages[2].TextContent()
	if !strings.Contains(text, "900 characters were removed") {
		t.Errorf("expected truncation warning, got %q", text[:80])
	}
}

func TestAgentLoopNoOutputLimit(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("c1", "big", map[string]any{})),
		providertest.Reply("ok"),
	)
	output := strings.Repeat("line\n", 600) + strings.Repeat("x", 40000)
	big := agentloop.AgentTool{Name: "big", Executor: agentloop.ToolExecutorFunc(func(context.Context, string, json.RawMessage) (agentloop.AgentToolResult, error) {
		return agentloop.TextResult(output), nil
	})}
	cfg := loopConfig(newClient(p))
	cfg.ToolOutputLimit = agentloop.NoOutputLimit
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{big}}, cfg, nil)

	if got := res.Messages[2].TextContent(); got != output {
		t.Errorf("expected untruncated output, got %d chars", len(got))
	}
}

func TestAgentLoopAbortDuringStream(t *testing.T) {
	p := providertest.New("scripted", providertest.Hang("partial"))
	ctrl := agentloop.NewAbortController(context.Background())
	var once sync.Once
	sink := agentloop.SinkFunc(func(ev agentloop.AgentEvent) {
		if ev.Kind == agentloop.EventMessageUpdate && ev.AssistantEvent.Type == unifiedllm.EventTextDelta {
			once.Do(ctrl.Abort)
		}
	})
	cfg := loopConfig(newClient(p))
	cfg.Signal = ctrl.Signal()
	res := runLoop(t, "go", agentloop.AgentContext{}, cfg, sink)

	if res.State != agentloop.StateAborted || res.Reason != agentloop.ReasonAborted {
		t.Fatalf("expected aborted, got %s/%s", res.State, res.Reason)
	}
	last, ok := res.LastAssistant()
	if !ok || last.StopReason != unifiedllm.StopReasonAborted {
		t.Fatalf("expected aborted assistant message, got %+v", last)
	}
	if last.TextContent() != "partial" {
		t.Errorf("expected partial text kept, got %q", last.TextContent())
	}
	if res.Metrics.AssistantRequests != 1 {
		t.Errorf("expected 1 assistant request, got %d", res.Metrics.AssistantRequests)
	}
}

func TestAgentLoopAbortDuringTools(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("a", "fast", map[string]any{}), providertest.Call("b", "block", map[string]any{})),
	)
	started := make(chan struct{}, 1)
	ctrl := agentloop.NewAbortController(context.Background())
	sink := agentloop.SinkFunc(func(ev agentloop.AgentEvent) {
		if ev.Kind == agentloop.EventToolExecutionEnd && ev.ToolCallID == "a" {
			go func() {
				<-started
				ctrl.Abort()
			}()
		}
	})
	cfg := loopConfig(newClient(p))
	cfg.Signal = ctrl.Signal()
	conv := agentloop.AgentContext{Tools: []agentloop.AgentTool{sleepTool("fast", 0), blockingTool("block", started)}}
	res := runLoop(t, "go", conv, cfg, sink)

	if res.State != agentloop.StateAborted {
		t.Fatalf("expected aborted, got %s", res.State)
	}
	results := res.Messages[2:]
	if len(results) != 2 {
		t.Fatalf("expected a result for every call, got %d", len(results))
	}
	if results[0].IsError || results[0].TextContent() != "fast done" {
		t.Errorf("finished tool result should be kept, got %+v", results[0])
	}
	if !results[1].IsError || results[1].TextContent() != "Tool execution aborted" {
		t.Errorf("expected aborted placeholder, got %+v", results[1])
	}
}

func TestAgentLoopAbortAfterToolCallMessage(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("a", "side_effect", map[string]any{}), providertest.Call("b", "side_effect", map[string]any{})),
		providertest.Reply("never"),
	)
	var executed atomic.Int32
	tool := agentloop.AgentTool{
		Name: "side_effect",
		Executor: agentloop.ToolExecutorFunc(func(context.Context, string, json.RawMessage) (agentloop.AgentToolResult, error) {
			executed.Add(1)
			return agentloop.TextResult("ran"), nil
		}),
	}
	ctrl := agentloop.NewAbortController(context.Background())
	mem := &agentloop.MemorySink{}
	sink := agentloop.MultiSink{mem, agentloop.SinkFunc(func(ev agentloop.AgentEvent) {
		if ev.Kind == agentloop.EventMessageEnd && ev.Message != nil && len(ev.Message.ToolCalls()) > 0 {
			ctrl.Abort()
		}
	})}
	cfg := loopConfig(newClient(p))
	cfg.Signal = ctrl.Signal()
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{tool}}, cfg, sink)

	if res.State != agentloop.StateAborted || res.Reason != agentloop.ReasonAborted {
		t.Fatalf("expected aborted, got %s/%s", res.State, res.Reason)
	}
	if n := executed.Load(); n != 0 {
		t.Fatalf("expected no tool executions after abort, got %d", n)
	}
	if p.Calls() != 1 {
		t.Errorf("expected a single provider call, got %d", p.Calls())
	}
	results := res.Messages[2:]
	if len(results) != 2 {
		t.Fatalf("expected a result for every call, got %d", len(results))
	}
	for i, id := range []string{"a", "b"} {
		if results[i].ToolCallID != id || !results[i].IsError || results[i].TextContent() != "Tool execution aborted" {
			t.Errorf("expected aborted placeholder for %s, got %+v", id, results[i])
		}
	}
	for _, ev := range mem.Events() {
		if ev.Kind == agentloop.EventStateChange && ev.State == agentloop.StateWaitingForTool {
			t.Error("expected no waiting_for_tool state after abort")
		}
	}
	if len(mem.OfKind(agentloop.EventToolExecutionStart)) != len(mem.OfKind(agentloop.EventToolExecutionEnd)) {
		t.Error("expected balanced tool execution events")
	}
}

func TestAgentLoopAbortBeforeStart(t *testing.T) {
	p := providertest.New("scripted", providertest.Reply("never"))
	ctrl := agentloop.NewAbortController(context.Background())
	ctrl.Abort()
	cfg := loopConfig(newClient(p))
	cfg.Signal = ctrl.Signal()
	res := runLoop(t, "go", agentloop.AgentContext{}, cfg, nil)

	if res.State != agentloop.StateAborted {
		t.Fatalf("expected aborted, got %s", res.State)
	}
	if p.Calls() != 0 {
		t.Errorf("expected no provider call, got %d", p.Calls())
	}
	last, _ := res.LastAssistant()
	if last.StopReason != unifiedllm.StopReasonAborted {
		t.Errorf("expected aborted status message, got %+v", last)
	}
}

func TestAgentLoopTurnLimit(t *testing.T) {
	p := providertest.New("scripted")
	p.Fallback = func(unifiedllm.Context) providertest.Response {
		return providertest.Reply("", providertest.Call("", "echo", map[string]string{"text": "again"}))
	}
	cfg := loopConfig(newClient(p))
	cfg.MaxTurns = 2
	res := runLoop(t, "loop", agentloop.AgentContext{Tools: []agentloop.AgentTool{agentloop.EchoTool()}}, cfg, nil)

	if res.State != agentloop.StateDone || res.Reason != agentloop.ReasonTurnLimit {
		t.Fatalf("expected done/turn_limit, got %s/%s", res.State, res.Reason)
	}
	if p.Calls() != 2 || res.Metrics.AssistantRequests != 2 {
		t.Errorf("expected 2 requests, got %d", p.Calls())
	}
}

func TestAgentLoopTokenLimit(t *testing.T) {
	p := providertest.New("scripted")
	p.Fallback = func(unifiedllm.Context) providertest.Response {
		return providertest.Reply("", providertest.Call("", "echo", map[string]string{"text": "again"}))
	}
	cfg := loopConfig(newClient(p))
	cfg.MaxTokens = 20
	res := runLoop(t, "loop", agentloop.AgentContext{Tools: []agentloop.AgentTool{agentloop.EchoTool()}}, cfg, nil)

	if res.Reason != agentloop.ReasonTokenLimit {
		t.Fatalf("expected token_limit, got %s", res.Reason)
	}
	if res.Metrics.Usage.TotalTokens < 20 || p.Calls() != 2 {
		t.Errorf("unexpected usage %d after %d calls", res.Metrics.Usage.TotalTokens, p.Calls())
	}
}

func TestAgentLoopProviderFailure(t *testing.T) {
	p := providertest.New("scripted", providertest.Fail(unifiedllm.AuthMissingError("scripted")))
	sink := &agentloop.MemorySink{}
	res := runLoop(t, "hi", agentloop.AgentContext{}, loopConfig(newClient(p)), sink)

	if res.State != agentloop.StateFailed || res.Reason != agentloop.ReasonError {
		t.Fatalf("expected failed/error, got %s/%s", res.State, res.Reason)
	}
	if res.Error == nil || res.Error.Code != unifiedllm.CodeProviderAuthMissing {
		t.Fatalf("expected auth error, got %v", res.Error)
	}
	if p.Calls() != 1 {
		t.Errorf("auth errors must not be retried, got %d calls", p.Calls())
	}
	if len(sink.OfKind(agentloop.EventRunError)) != 1 {
		t.Error("expected one run_error event")
	}
	last, _ := res.LastAssistant()
	if last.StopReason != unifiedllm.StopReasonError {
		t.Errorf("expected error assistant message, got %+v", last)
	}
}

func TestAgentLoopRetriesTransportErrors(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Fail(unifiedllm.TransportError("connection reset", nil)),
		providertest.Reply("hi"),
	)
	sink := &agentloop.MemorySink{}
	res := runLoop(t, "hi", agentloop.AgentContext{}, loopConfig(newClient(p)), sink)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s (%v)", res.State, res.Error)
	}
	if res.Metrics.Retries != 1 {
		t.Errorf("expected 1 retry, got %d", res.Metrics.Retries)
	}
	retries := sink.OfKind(agentloop.EventRetryScheduled)
	if len(retries) != 1 || retries[0].Attempt != 1 || retries[0].MaxAttempts != 3 {
		t.Errorf("unexpected retry events: %+v", retries)
	}
	if res.Metrics.AssistantRequests != 1 {
		t.Errorf("retries must not count as assistant requests, got %d", res.Metrics.AssistantRequests)
	}
}

func TestAgentLoopFallbackModel(t *testing.T) {
	primary := providertest.New("scripted", providertest.Fail(unifiedllm.AuthMissingError("scripted")))
	backup := providertest.New("backup", providertest.Reply("from backup"))
	backupModel := unifiedllm.Model{ID: "backup-1", API: "backup", Provider: "test"}

	sink := &agentloop.MemorySink{}
	cfg := loopConfig(newClient(primary, backup))
	cfg.FallbackModels = []unifiedllm.Model{testModel, backupModel}
	res := runLoop(t, "hi", agentloop.AgentContext{}, cfg, sink)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s (%v)", res.State, res.Error)
	}
	last, _ := res.LastAssistant()
	if last.Model != "backup-1" || last.TextContent() != "from backup" {
		t.Errorf("expected reply from backup, got %+v", last)
	}
	if res.Metrics.Fallbacks != 1 {
		t.Errorf("expected 1 fallback, got %d", res.Metrics.Fallbacks)
	}
	fb := sink.OfKind(agentloop.EventModelFallback)
	if len(fb) != 1 || fb[0].FromModel != "scripted-1" || fb[0].ToModel != "backup-1" {
		t.Errorf("unexpected fallback events: %+v", fb)
	}
	if len(res.Messages) != 2 {
		t.Errorf("failed attempts must not be appended, got %d messages", len(res.Messages))
	}
}

func TestAgentLoopNoFallbackAfterContent(t *testing.T) {
	primary := providertest.New("scripted", providertest.PartialThenFail("half", unifiedllm.ProtocolError("bad frame")))
	backup := providertest.New("backup", providertest.Reply("from backup"))

	cfg := loopConfig(newClient(primary, backup))
	cfg.FallbackModels = []unifiedllm.Model{{ID: "backup-1", API: "backup"}}
	res := runLoop(t, "hi", agentloop.AgentContext{}, cfg, nil)

	if res.State != agentloop.StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if backup.Calls() != 0 {
		t.Error("fallback must not run after content was produced")
	}
}

func TestAgentLoopFollowUps(t *testing.T) {
	p := providertest.New("scripted", providertest.Reply("first"), providertest.Reply("second"))
	followUps := agentloop.NewSliceQueue()
	followUps.Push(unifiedllm.UserMessage("and then?"))

	cfg := loopConfig(newClient(p))
	cfg.FollowUps = followUps
	res := runLoop(t, "hi", agentloop.AgentContext{}, cfg, nil)

	if res.State != agentloop.StateDone || p.Calls() != 2 {
		t.Fatalf("expected two requests, got %d (%s)", p.Calls(), res.State)
	}
	if res.Messages[2].Role != unifiedllm.RoleUser || res.Messages[2].TextContent() != "and then?" {
		t.Errorf("expected follow-up appended, got %+v", res.Messages[2])
	}
}

func TestAgentLoopSteeringSkipsPendingTools(t *testing.T) {
	p := providertest.New("scripted",
		providertest.Reply("", providertest.Call("a", "block", map[string]any{})),
		providertest.Reply("changed course"),
	)
	steering := agentloop.NewSliceQueue()
	started := make(chan struct{}, 1)
	go func() {
		<-started
		steering.Push(unifiedllm.UserMessage("stop that"))
	}()

	cfg := loopConfig(newClient(p))
	cfg.Steering = steering
	cfg.Interrupt = steering.Ready()
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{blockingTool("block", started)}}, cfg, nil)

	if res.State != agentloop.StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	skipped := res.Messages[2]
	if !skipped.IsError || skipped.TextContent() != "Skipped due to queued user message." {
		t.Errorf("expected skipped result, got %+v", skipped)
	}
	if res.Messages[3].TextContent() != "stop that" {
		t.Errorf("expected steering message after results, got %+v", res.Messages[3])
	}
	reqs := p.Requests()
	lastMsg := reqs[1].Messages[len(reqs[1].Messages)-1]
	if lastMsg.TextContent() != "stop that" {
		t.Errorf("expected steering in next request, got %+v", lastMsg)
	}
}

func TestAgentLoopLoopDetection(t *testing.T) {
	p := providertest.New("scripted")
	p.Fallback = func(c unifiedllm.Context) providertest.Response {
		last := c.Messages[len(c.Messages)-1]
		if last.Role == unifiedllm.RoleUser && strings.HasPrefix(last.TextContent(), "Loop detected") {
			return providertest.Reply("giving up")
		}
		return providertest.Reply("", providertest.Call("", "echo", map[string]string{"text": "same"}))
	}
	sink := &agentloop.MemorySink{}
	cfg := loopConfig(newClient(p))
	cfg.LoopDetectionWindow = 3
	cfg.MaxTurns = 10
	res := runLoop(t, "go", agentloop.AgentContext{Tools: []agentloop.AgentTool{agentloop.EchoTool()}}, cfg, sink)

	if res.Reason != agentloop.ReasonStop {
		t.Fatalf("expected the warning to break the loop, got %s", res.Reason)
	}
	if len(sink.OfKind(agentloop.EventLoopDetected)) != 1 {
		t.Errorf("expected one loop_detected event, got %d", len(sink.OfKind(agentloop.EventLoopDetected)))
	}
}

func TestAgentLoopContinueValidation(t *testing.T) {
	client := newClient(providertest.New("scripted"))
	cfg := loopConfig(client)

	_, err := agentloop.AgentLoopContinue(context.Background(), agentloop.AgentContext{}, cfg, nil)
	if !errors.Is(err, agentloop.ErrNoMessages) {
		t.Errorf("expected ErrNoMessages, got %v", err)
	}

	conv := agentloop.AgentContext{Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi"), unifiedllm.AssistantMessage("hello")}}
	_, err = agentloop.AgentLoopContinue(context.Background(), conv, cfg, nil)
	if !errors.Is(err, agentloop.ErrContinueFromAssistant) {
		t.Errorf("expected ErrContinueFromAssistant, got %v", err)
	}
	if err.Error() != "cannot continue from message role: assistant" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestAgentLoopContinueFromUser(t *testing.T) {
	p := providertest.New("scripted", providertest.Reply("hello"))
	conv := agentloop.AgentContext{Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}}
	res, err := agentloop.AgentLoopContinue(context.Background(), conv, loopConfig(newClient(p)), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Role != unifiedllm.RoleAssistant {
		t.Errorf("expected only the assistant reply as new, got %v", roles(res.Messages))
	}
	if len(conv.Messages) != 1 {
		t.Error("input context must not be mutated")
	}
}

func TestAgentLoopRequiresClient(t *testing.T) {
	_, err := agentloop.AgentLoop(context.Background(), nil, agentloop.AgentContext{}, agentloop.AgentLoopConfig{Model: testModel}, nil)
	if err == nil {
		t.Fatal("expected error without a client")
	}
}
