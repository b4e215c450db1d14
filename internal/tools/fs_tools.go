package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

func (e *NativeExecutor) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workDir, path)
}

func (e *NativeExecutor) ListDir(args json.RawMessage) (string, error) {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	entries, err := os.ReadDir(e.resolvePath(payload.Path))
	if err != nil {
		return "", fmt.Errorf("list dir: %w", err)
	}

	var result string
	for _, entry := range entries {
		typeStr := "file"
		if entry.IsDir() {
			typeStr = "dir"
		}
		result += fmt.Sprintf("%s (%s)\n", entry.Name(), typeStr)
	}

	if result == "" {
		return "(empty directory)", nil
	}
	return result, nil
}

func (e *NativeExecutor) ReadFile(args json.RawMessage) (string, error) {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	content, err := os.ReadFile(e.resolvePath(payload.Path))
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	return string(content), nil
}

func (e *NativeExecutor) WriteFile(args json.RawMessage) (string, error) {
	var payload struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if payload.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	fullPath := e.resolvePath(payload.Path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}

	if err := os.WriteFile(fullPath, []byte(payload.Content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	// The path in this message is how generated files get tracked downstream
	return fmt.Sprintf("File written successfully: %s", fullPath), nil
}
