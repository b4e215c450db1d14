package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skein-dev/skein/internal/protocol"
)

// Tool execution interface
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
	GetDefinitions() []protocol.Tool
}

// MCPHub resolves tool calls that no native tool handles
type MCPHub interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
	GetTools() []protocol.Tool
}

// SubagentRunner executes a delegated task with its own tool loop
type SubagentRunner interface {
	Run(ctx context.Context, task string) (string, error)
}

// NativeExecutor implements Executor against the local filesystem and shell
type NativeExecutor struct {
	workDir    string
	cmdTimeout time.Duration
	search     SearchClient
	bookmarks  *BookmarkStore
	mcpHub     MCPHub
	subagent   SubagentRunner
}

func NewNativeExecutor(workDir string) *NativeExecutor {
	return &NativeExecutor{
		workDir:    workDir,
		cmdTimeout: 60 * time.Second,
	}
}

// SetMCPHub attaches an MCP hub for non-native tool resolution
func (e *NativeExecutor) SetMCPHub(hub MCPHub) {
	e.mcpHub = hub
}

// SetSearchClient attaches a web search backend
func (e *NativeExecutor) SetSearchClient(sc SearchClient) {
	e.search = sc
}

// SetBookmarkStore attaches a bookmark store for search_bookmarks
func (e *NativeExecutor) SetBookmarkStore(bs *BookmarkStore) {
	e.bookmarks = bs
}

// SetSubagentRunner attaches a runner for run_subagent
func (e *NativeExecutor) SetSubagentRunner(r SubagentRunner) {
	e.subagent = r
}

func (e *NativeExecutor) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case "list_dir":
		return e.ListDir(args)
	case "read_file":
		return e.ReadFile(args)
	case "write_file":
		return e.WriteFile(args)
	case "execute_command":
		return e.ExecuteCommand(ctx, args)
	case "web_search":
		return e.WebSearch(ctx, args)
	case "search_bookmarks":
		return e.SearchBookmarks(args)
	case "run_subagent":
		return e.RunSubagent(ctx, args)
	default:
		// Check MCP tools
		if e.mcpHub != nil {
			var argsMap map[string]interface{}
			if err := json.Unmarshal(args, &argsMap); err != nil {
				return "", fmt.Errorf("invalid arguments for MCP tool: %w", err)
			}

			result, err := e.mcpHub.CallTool(ctx, name, argsMap)
			if err != nil {
				return "", fmt.Errorf("mcp tool error: %w", err)
			}
			return result, nil
		}

		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func (e *NativeExecutor) GetDefinitions() []protocol.Tool {
	defs := []protocol.Tool{
		{
			Name:        "list_dir",
			Description: "List files in a directory",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "Directory path (absolute or relative to cwd)",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "read_file",
			Description: "Read file content",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "File path (absolute or relative to cwd)",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "write_file",
			Description: "Create a new file or completely overwrite an existing one",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": map[string]interface{}{
						"type":        "string",
						"description": "File path to write",
					},
					"content": map[string]interface{}{
						"type":        "string",
						"description": "Content to write",
					},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "execute_command",
			Description: "Execute a shell command and return its output",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{
						"type":        "string",
						"description": "Shell command to execute",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "web_search",
			Description: "Search the web and return titles, URLs and snippets",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search query",
					},
					"limit": map[string]interface{}{
						"type":        "number",
						"description": "Maximum number of results (default 5)",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "search_bookmarks",
			Description: "Search saved bookmarks by title, URL, tags or notes",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search query",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "run_subagent",
			Description: "Delegate a self-contained task to a subagent with its own tool loop",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task": map[string]interface{}{
						"type":        "string",
						"description": "Full task description for the subagent",
					},
				},
				"required": []string{"task"},
			},
		},
	}

	if e.mcpHub != nil {
		defs = append(defs, e.mcpHub.GetTools()...)
	}

	return defs
}

func (e *NativeExecutor) RunSubagent(ctx context.Context, args json.RawMessage) (string, error) {
	if e.subagent == nil {
		return "", fmt.Errorf("subagent runner not configured")
	}

	var payload struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if payload.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	result, err := e.subagent.Run(ctx, payload.Task)
	if err != nil {
		return "", fmt.Errorf("subagent failed: %w", err)
	}
	return result, nil
}
