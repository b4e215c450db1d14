package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// Patterns for commands that are never executed regardless of source
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)\s+/\S*`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i):\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b`),
}

func (e *NativeExecutor) ExecuteCommand(ctx context.Context, args json.RawMessage) (string, error) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}

	cmd := strings.TrimSpace(payload.Command)
	if cmd == "" {
		return "", fmt.Errorf("command is required")
	}

	for _, pattern := range destructivePatterns {
		if pattern.MatchString(cmd) {
			return "", fmt.Errorf("command rejected by safety check: %s", cmd)
		}
	}

	cmdCtx, cancel := context.WithTimeout(ctx, e.cmdTimeout)
	defer cancel()

	execCmd := exec.CommandContext(cmdCtx, "sh", "-c", cmd)
	execCmd.Dir = e.workDir

	output, err := execCmd.CombinedOutput()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("command timed out after %v", e.cmdTimeout)
		}
		return "", fmt.Errorf("execution failed: %w\noutput: %s", err, string(output))
	}

	if len(output) == 0 {
		return "(no output)", nil
	}
	return string(output), nil
}
