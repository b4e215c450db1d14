package orchestrator

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/internal/provider"
	"github.com/skein-dev/skein/internal/tools"
)

const subagentSystemPrompt = "You are a focused subagent. Complete the delegated task using the available tools and finish with a concise report of what you did and what the result was."

// SubagentRunner runs a delegated task in its own tool loop with a
// restricted tool set. It satisfies the tools package runner interface.
type SubagentRunner struct {
	orchestrator *Orchestrator
}

// NewSubagentRunner builds a runner over a fresh orchestrator. The subagent
// never sees run_subagent itself, which keeps delegation depth at one.
func NewSubagentRunner(p provider.Provider, e tools.Executor, cfg Config) *SubagentRunner {
	return &SubagentRunner{
		orchestrator: New(p, e, cfg),
	}
}

func (r *SubagentRunner) Run(ctx context.Context, task string) (string, error) {
	result, err := r.orchestrator.Run(ctx, &Request{
		Message:      task,
		SystemPrompt: subagentSystemPrompt,
		AllowedTools: []string{
			"list_dir",
			"read_file",
			"write_file",
			"execute_command",
			"web_search",
			"search_bookmarks",
		},
	})
	if err != nil {
		return "", fmt.Errorf("subagent run: %w", err)
	}
	return result.Content, nil
}
