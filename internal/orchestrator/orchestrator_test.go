package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/skein-dev/skein/internal/protocol"
	"github.com/skein-dev/skein/internal/provider"
)

// fakeProvider replays scripted responses and records every request
type fakeProvider struct {
	responses []*provider.ChatResponse
	requests  []*provider.ChatRequest
	err       error
}

func (f *fakeProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeProvider) Name() string { return "fake" }

// fakeExecutor records tool invocations
type fakeExecutor struct {
	calls  []string
	output string
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, name string, _ json.RawMessage) (string, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func (f *fakeExecutor) GetDefinitions() []protocol.Tool {
	return []protocol.Tool{
		{Name: "read_file", Description: "Read a file"},
		{Name: "write_file", Description: "Write a file"},
		{Name: "execute_command", Description: "Run a command"},
	}
}

func toolCallResponse(name string) *provider.ChatResponse {
	return &provider.ChatResponse{
		ToolCalls: []protocol.ToolUseBlock{
			{ID: "call_1", Name: name, Input: json.RawMessage(`{}`)},
		},
		StopReason: "tool_use",
	}
}

func textResponse(content string) *provider.ChatResponse {
	return &provider.ChatResponse{Content: content, StopReason: "end_turn"}
}

func TestRun_NoToolCallsReturnsContent(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{textResponse("hello there")}}
	o := New(p, &fakeExecutor{}, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{Message: "hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Content != "hello there" {
		t.Errorf("Expected content %q, got %q", "hello there", result.Content)
	}
	if len(p.requests) != 1 {
		t.Errorf("Expected 1 provider call, got %d", len(p.requests))
	}
	if len(result.ToolResults) != 0 {
		t.Errorf("Expected no tool results, got %d", len(result.ToolResults))
	}
}

func TestRun_IterationCapStopsUnboundedLoop(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{toolCallResponse("read_file")}}
	exec := &fakeExecutor{output: "file contents"}
	o := New(p, exec, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{Message: "loop forever"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Content != maxIterationsMessage {
		t.Errorf("Expected cap message, got %q", result.Content)
	}
	if len(p.requests) != maxToolIterations {
		t.Errorf("Expected %d provider calls, got %d", maxToolIterations, len(p.requests))
	}
	if len(result.ToolResults) != maxToolIterations {
		t.Errorf("Expected %d tool results, got %d", maxToolIterations, len(result.ToolResults))
	}
	if len(exec.calls) != maxToolIterations {
		t.Errorf("Expected %d tool executions, got %d", maxToolIterations, len(exec.calls))
	}
}

func TestRun_ToolErrorFedBackToModel(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{
		toolCallResponse("read_file"),
		textResponse("could not read it"),
	}}
	exec := &fakeExecutor{err: fmt.Errorf("no such file: config.json")}
	o := New(p, exec, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{Message: "read config"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.ToolResults) != 1 {
		t.Fatalf("Expected 1 tool result, got %d", len(result.ToolResults))
	}
	if result.ToolResults[0].Success {
		t.Error("Tool result should be marked unsuccessful")
	}
	if !strings.Contains(result.ToolResults[0].Error, "no such file") {
		t.Errorf("Tool result missing error text: %q", result.ToolResults[0].Error)
	}

	// The second provider call must carry the error as a tool result block
	second := p.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if len(last.ToolResults) != 1 || !last.ToolResults[0].IsError {
		t.Errorf("Expected error tool result fed back, got %+v", last)
	}
	if !strings.Contains(last.ToolResults[0].Content, "no such file") {
		t.Errorf("Fed-back content missing error text: %q", last.ToolResults[0].Content)
	}
	if result.Content != "could not read it" {
		t.Errorf("Expected final content from model, got %q", result.Content)
	}
}

func TestRun_DirectCallSkipsProvider(t *testing.T) {
	p := &fakeProvider{}
	exec := &fakeExecutor{output: "drwxr-xr-x src"}
	o := New(p, exec, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{
		DirectCall: &DirectCall{ToolName: "list_directory", Arguments: json.RawMessage(`{"path":"."}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(p.requests) != 0 {
		t.Errorf("Direct call must not touch the provider, got %d calls", len(p.requests))
	}
	if !strings.Contains(result.Content, "executed successfully") || !strings.Contains(result.Content, "drwxr-xr-x src") {
		t.Errorf("Unexpected direct call content: %q", result.Content)
	}
	if len(result.ToolResults) != 1 || !result.ToolResults[0].Success {
		t.Errorf("Expected one successful tool result, got %+v", result.ToolResults)
	}
}

func TestRun_DirectCallFailure(t *testing.T) {
	p := &fakeProvider{}
	exec := &fakeExecutor{err: fmt.Errorf("unknown tool: bogus")}
	o := New(p, exec, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{
		DirectCall: &DirectCall{ToolName: "bogus", Arguments: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.Contains(result.Content, "failed") {
		t.Errorf("Expected failure content, got %q", result.Content)
	}
	if result.ToolResults[0].Success {
		t.Error("Tool result should be marked unsuccessful")
	}
}

func TestRun_ForcesSummaryAfterSilentToolUse(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{
		toolCallResponse("write_file"),
		textResponse(""), // Tools ran, then the model went quiet
		textResponse("I wrote the report to out.md"),
	}}
	exec := &fakeExecutor{output: "File written successfully: out.md"}
	o := New(p, exec, Config{Model: "test-model"})

	result, err := o.Run(context.Background(), &Request{Message: "write the report"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Content != "I wrote the report to out.md" {
		t.Errorf("Expected forced summary, got %q", result.Content)
	}

	if len(p.requests) != 3 {
		t.Fatalf("Expected 3 provider calls, got %d", len(p.requests))
	}
	summaryReq := p.requests[2]
	last := summaryReq.Messages[len(summaryReq.Messages)-1]
	if last.Content != "Summarize what you just did." {
		t.Errorf("Expected summary nudge, got %q", last.Content)
	}
}

func TestRun_AllowedToolsFilterDefinitions(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{textResponse("ok")}}
	o := New(p, &fakeExecutor{}, Config{Model: "test-model"})

	_, err := o.Run(context.Background(), &Request{
		Message:      "read only",
		AllowedTools: []string{"read_file"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sent := p.requests[0].Tools
	if len(sent) != 1 || sent[0].Name != "read_file" {
		t.Errorf("Expected only read_file offered, got %+v", sent)
	}
}

func TestRun_EmptyAllowedToolsOffersEverything(t *testing.T) {
	p := &fakeProvider{responses: []*provider.ChatResponse{textResponse("ok")}}
	o := New(p, &fakeExecutor{}, Config{Model: "test-model"})

	_, err := o.Run(context.Background(), &Request{Message: "anything"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(p.requests[0].Tools) != 3 {
		t.Errorf("Expected all 3 tools offered, got %d", len(p.requests[0].Tools))
	}
}

func TestRun_ProviderErrorPropagates(t *testing.T) {
	p := &fakeProvider{err: fmt.Errorf("api key invalid")}
	o := New(p, &fakeExecutor{}, Config{Model: "test-model"})

	_, err := o.Run(context.Background(), &Request{Message: "hi"})
	if err == nil || !strings.Contains(err.Error(), "api key invalid") {
		t.Errorf("Expected provider error surfaced, got %v", err)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProvider{responses: []*provider.ChatResponse{textResponse("ok")}}
	o := New(p, &fakeExecutor{}, Config{Model: "test-model"})

	_, err := o.Run(ctx, &Request{Message: "hi"})
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if len(p.requests) != 0 {
		t.Errorf("No provider call should happen after cancellation, got %d", len(p.requests))
	}
}

func TestSanitizeMessages_DropsDanglingToolCall(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: "do it"},
		{Role: "assistant", ToolUse: []protocol.ToolUseBlock{{ID: "call_1", Name: "read_file"}}},
	}
	clean := sanitizeMessages(msgs)
	if len(clean) != 1 || clean[0].Content != "do it" {
		t.Errorf("Expected dangling tool call dropped, got %+v", clean)
	}
}

func TestSanitizeMessages_DropsOrphanToolResult(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", ToolResults: []protocol.ToolResultBlock{{ToolUseID: "call_1", Content: "stale"}}},
		{Role: "user", Content: "next question"},
	}
	clean := sanitizeMessages(msgs)
	if len(clean) != 1 || clean[0].Content != "next question" {
		t.Errorf("Expected orphan result dropped, got %+v", clean)
	}
}

func TestSanitizeMessages_KeepsMatchedPairs(t *testing.T) {
	msgs := []protocol.Message{
		{Role: "user", Content: "do it"},
		{Role: "assistant", ToolUse: []protocol.ToolUseBlock{{ID: "call_1", Name: "read_file"}}},
		{Role: "user", ToolResults: []protocol.ToolResultBlock{{ToolUseID: "call_1", Content: "data"}}},
		{Role: "assistant", Content: "done"},
	}
	clean := sanitizeMessages(msgs)
	if len(clean) != 4 {
		t.Errorf("Expected all 4 messages kept, got %d", len(clean))
	}
}

func TestTrimToBudget_KeepsNewestMessages(t *testing.T) {
	var msgs []protocol.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, protocol.Message{Role: "user", Content: strings.Repeat("words ", 50)})
	}
	msgs = append(msgs, protocol.Message{Role: "user", Content: "the newest message"})

	trimmed := trimToBudget(msgs, "", 50, "test-model")
	if len(trimmed) >= len(msgs) {
		t.Fatalf("Expected trimming, got %d of %d messages", len(trimmed), len(msgs))
	}
	last := trimmed[len(trimmed)-1]
	if last.Content != "the newest message" {
		t.Errorf("Newest message must survive trimming, got %q", last.Content)
	}
}

func TestTrimToBudget_NoTrimUnderBudget(t *testing.T) {
	msgs := []protocol.Message{{Role: "user", Content: "short"}}
	trimmed := trimToBudget(msgs, "", 100000, "test-model")
	if len(trimmed) != 1 {
		t.Errorf("Expected untouched history, got %d messages", len(trimmed))
	}
}
