package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/skein-dev/skein/internal/protocol"
)

// Settings mirrors the mcp_settings.json layout
type Settings struct {
	McpServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes one stdio MCP server
type ServerConfig struct {
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// Hub manages connections to multiple MCP servers
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*connection
	configDir   string
	lastModTime time.Time
}

type connection struct {
	name   string
	client *client.Client
	tools  []mcp.Tool
}

// NewHub creates a hub that watches <configDir>/mcp_settings.json
func NewHub(configDir string) *Hub {
	h := &Hub{
		connections: make(map[string]*connection),
		configDir:   configDir,
	}
	h.startWatcher()
	return h
}

func (h *Hub) startWatcher() {
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		settingsPath := filepath.Join(h.configDir, "mcp_settings.json")

		if _, err := os.Stat(settingsPath); err == nil {
			h.LoadFromSettings(settingsPath)
		}

		for range ticker.C {
			info, err := os.Stat(settingsPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(h.lastModTime) {
				h.LoadFromSettings(settingsPath)
			}
		}
	}()
}

// LoadFromSettings reconciles connections against the settings file
func (h *Hub) LoadFromSettings(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[MCP] Failed to read %s: %v", path, err)
		return
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		log.Printf("[MCP] Error parsing %s: %v", path, err)
		return
	}

	// Record mod time up front so a slow connect does not trigger a reload
	if info, err := os.Stat(path); err == nil {
		h.lastModTime = info.ModTime()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for name, conn := range h.connections {
		cfg, exists := settings.McpServers[name]
		if !exists || cfg.Disabled {
			log.Printf("[MCP] Removing server: %s", name)
			conn.client.Close()
			delete(h.connections, name)
		}
	}

	for name, cfg := range settings.McpServers {
		if cfg.Disabled {
			continue
		}
		if _, exists := h.connections[name]; !exists {
			// Process spawn is slow, connect outside the lock
			go h.connectAsync(name, cfg)
		}
	}
}

func (h *Hub) connectAsync(name string, cfg ServerConfig) {
	log.Printf("[MCP] Connecting to server: %s", name)
	if err := h.Connect(context.Background(), name, cfg); err != nil {
		log.Printf("[MCP] Failed to connect %s: %v", name, err)
		return
	}
	log.Printf("[MCP] Connected to server: %s", name)
}

// Connect establishes a stdio connection to an MCP server
func (h *Hub) Connect(ctx context.Context, name string, cfg ServerConfig) error {
	mcpClient, err := client.NewStdioMCPClient(cfg.Command, cfg.Args)
	if err != nil {
		return fmt.Errorf("create MCP client for %s: %w", name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("start MCP client for %s: %w", name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "skein",
		Version: "1.0.0",
	}

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("initialize MCP client for %s: %w", name, err)
	}

	ctxTools, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	listResult, err := mcpClient.ListTools(ctxTools, mcp.ListToolsRequest{})
	if err != nil {
		log.Printf("[MCP] Failed to list tools for %s: %v", name, err)
	}

	tools := []mcp.Tool{}
	if listResult != nil {
		tools = listResult.Tools
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[name] = &connection{
		name:   name,
		client: mcpClient,
		tools:  tools,
	}
	return nil
}

// GetTools returns all server tools converted to the common definition format
func (h *Hub) GetTools() []protocol.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var all []protocol.Tool
	for _, conn := range h.connections {
		for _, tool := range conn.tools {
			schema := map[string]interface{}{"type": "object"}
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				var m map[string]interface{}
				if json.Unmarshal(raw, &m) == nil && len(m) > 0 {
					schema = m
				}
			}
			all = append(all, protocol.Tool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}
	return all
}

// CallTool executes a tool on whichever server advertises it and
// flattens the result content into text
func (h *Hub) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	h.mu.RLock()
	var target *connection
	for _, conn := range h.connections {
		for _, tool := range conn.tools {
			if tool.Name == name {
				target = conn
				break
			}
		}
		if target != nil {
			break
		}
	}
	h.mu.RUnlock()

	if target == nil {
		return "", fmt.Errorf("tool not found: %s", name)
	}

	ctxCall, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := target.client.CallTool(ctxCall, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder

	contentBytes, _ := json.Marshal(result.Content)
	var contentList []map[string]interface{}
	_ = json.Unmarshal(contentBytes, &contentList)

	for _, content := range contentList {
		contentType, _ := content["type"].(string)
		switch contentType {
		case "text":
			if text, ok := content["text"].(string); ok {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		case "image":
			sb.WriteString("[Image returned]\n")
		case "resource":
			sb.WriteString("[Resource returned]\n")
		}
	}

	if result.IsError {
		return "", fmt.Errorf("tool execution failed: %s", sb.String())
	}
	return sb.String(), nil
}

// Close closes all server connections
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, conn := range h.connections {
		conn.client.Close()
	}
	return nil
}
