package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/skein-dev/skein/internal/protocol"
	"github.com/skein-dev/skein/internal/provider"
	"github.com/skein-dev/skein/internal/tools"
)

// maxToolIterations bounds the ask-model/execute-tools cycle per request
const maxToolIterations = 10

const maxIterationsMessage = "Maximum tool iterations reached. Stopping to avoid an unbounded tool loop; the task may be incomplete."

// Orchestrator drives the tool-calling loop for a single request.
// It is stateless across calls: every Run gets a fresh bounded loop.
type Orchestrator struct {
	provider provider.Provider
	executor tools.Executor
	config   Config
}

// Config holds orchestration parameters
type Config struct {
	Model         string
	MaxTokens     int
	ContextWindow int // Token budget for history trimming, 0 disables trimming
}

// Request describes one unit of AI work
type Request struct {
	Message      string
	History      []protocol.Message
	SystemPrompt string
	AllowedTools []string    // Empty means all tools
	DirectCall   *DirectCall // Skips the model entirely when set
}

// DirectCall is a user-picked tool invocation, executed without AI interpretation
type DirectCall struct {
	ToolName  string
	Arguments json.RawMessage
}

// ToolResult records one executed tool call
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Output     string `json:"output"`
	Error      string `json:"error,omitempty"`
}

// Result is the outcome of a full orchestration loop
type Result struct {
	Content     string             `json:"content"`
	ToolResults []ToolResult       `json:"tool_results,omitempty"`
	Messages    []protocol.Message `json:"-"` // Full history including this exchange
	Usage       protocol.Usage     `json:"usage"`
}

func New(p provider.Provider, e tools.Executor, cfg Config) *Orchestrator {
	return &Orchestrator{
		provider: p,
		executor: e,
		config:   cfg,
	}
}

// Run executes the bounded tool-calling loop
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*Result, error) {
	if req.DirectCall != nil {
		return o.runDirect(ctx, req.DirectCall)
	}

	messages := make([]protocol.Message, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	if req.Message != "" {
		messages = append(messages, protocol.Message{Role: "user", Content: req.Message})
	}

	providerTools := o.filterTools(req.AllowedTools)

	result := &Result{}
	sawToolCalls := false

	for iteration := 0; iteration < maxToolIterations; iteration++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		trimmed := sanitizeMessages(messages)
		if o.config.ContextWindow > 0 {
			trimmed = trimToBudget(trimmed, req.SystemPrompt, o.config.ContextWindow, o.config.Model)
		}

		resp, err := o.provider.Chat(ctx, &provider.ChatRequest{
			Model:        o.config.Model,
			Messages:     trimmed,
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    o.config.MaxTokens,
			Tools:        providerTools,
		})
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		messages = append(messages, protocol.Message{
			Role:    "assistant",
			Content: resp.Content,
			ToolUse: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			content := resp.Content
			if content == "" && sawToolCalls {
				content, err = o.forceSummary(ctx, messages, req.SystemPrompt)
				if err != nil {
					return nil, err
				}
			}
			result.Content = content
			result.Messages = messages
			return result, nil
		}

		sawToolCalls = true

		// Sequential execution: later calls in the same round may depend on
		// side effects of earlier ones
		log.Printf("[Orchestrator] Executing %d tools (iteration %d)", len(resp.ToolCalls), iteration+1)
		toolResults := make([]protocol.ToolResultBlock, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			output, execErr := o.executor.Execute(ctx, tc.Name, tc.Input)

			tr := ToolResult{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Success:    execErr == nil,
				Output:     output,
			}
			content := output
			if execErr != nil {
				log.Printf("[Orchestrator] Tool %s failed: %v", tc.Name, execErr)
				tr.Error = execErr.Error()
				content = execErr.Error()
			}
			result.ToolResults = append(result.ToolResults, tr)

			toolResults = append(toolResults, protocol.ToolResultBlock{
				ToolUseID: tc.ID,
				Content:   content,
				IsError:   execErr != nil,
			})
		}

		messages = append(messages, protocol.Message{
			Role:        "user",
			ToolResults: toolResults,
		})
	}

	result.Content = maxIterationsMessage
	result.Messages = messages
	return result, nil
}

// runDirect executes a single tool without any provider round-trip
func (o *Orchestrator) runDirect(ctx context.Context, call *DirectCall) (*Result, error) {
	output, err := o.executor.Execute(ctx, call.ToolName, call.Arguments)

	tr := ToolResult{
		ToolCallID: "direct",
		Name:       call.ToolName,
		Success:    err == nil,
		Output:     output,
	}
	if err != nil {
		tr.Error = err.Error()
		return &Result{
			Content:     fmt.Sprintf("Tool %s failed: %v", call.ToolName, err),
			ToolResults: []ToolResult{tr},
		}, nil
	}

	return &Result{
		Content:     fmt.Sprintf("Tool %s executed successfully.\n\n%s", call.ToolName, output),
		ToolResults: []ToolResult{tr},
	}, nil
}

// forceSummary issues a follow-up request when tool calls happened but the
// model ended with empty content, which would otherwise leave the step output blank
func (o *Orchestrator) forceSummary(ctx context.Context, messages []protocol.Message, systemPrompt string) (string, error) {
	followUp := append(append([]protocol.Message{}, messages...), protocol.Message{
		Role:    "user",
		Content: "Summarize what you just did.",
	})

	resp, err := o.provider.Chat(ctx, &provider.ChatRequest{
		Model:        o.config.Model,
		Messages:     sanitizeMessages(followUp),
		SystemPrompt: systemPrompt,
		MaxTokens:    o.config.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *Orchestrator) filterTools(allowed []string) []protocol.Tool {
	defs := o.executor.GetDefinitions()
	if len(allowed) == 0 {
		return defs
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	filtered := make([]protocol.Tool, 0, len(defs))
	for _, def := range defs {
		if allowedSet[def.Name] {
			filtered = append(filtered, def)
		}
	}
	return filtered
}
