package workflow

import (
	"regexp"
	"strings"

	"github.com/skein-dev/skein/internal/orchestrator"
)

const fileWrittenMarker = "File written successfully: "

// Local filesystem paths: at least one separator, a file name with an
// extension, no URL scheme
var pathPattern = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:/|\./|~/|[A-Za-z0-9_.-]+/)[A-Za-z0-9_./-]*\.[A-Za-z0-9]{1,8})`)

// DetectGeneratedFiles lists files the step produced. Explicit write_file
// tool evidence is preferred; the regex scan of free text only runs for
// steps that declare a file output.
func DetectGeneratedFiles(output string, toolResults []orchestrator.ToolResult, outputFormat string) []string {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		path = strings.TrimSpace(path)
		if path != "" && !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, tr := range toolResults {
		if !tr.Success || tr.Name != "write_file" {
			continue
		}
		for _, line := range strings.Split(tr.Output, "\n") {
			if strings.HasPrefix(line, fileWrittenMarker) {
				add(strings.TrimPrefix(line, fileWrittenMarker))
			}
		}
	}

	if len(files) > 0 || outputFormat != "file" {
		return files
	}

	for _, m := range pathPattern.FindAllStringSubmatch(output, -1) {
		candidate := m[1]
		if isURLPart(output, candidate) {
			continue
		}
		add(candidate)
	}

	return files
}

// isURLPart reports whether candidate appears inside a URL in text
func isURLPart(text, candidate string) bool {
	idx := strings.Index(text, candidate)
	for idx >= 0 {
		prefix := text[:idx]
		if strings.HasSuffix(prefix, "://") ||
			strings.HasSuffix(prefix, "http://") ||
			strings.HasSuffix(prefix, "https://") {
			return true
		}
		// Check whether a scheme precedes with host chars in between
		if lastScheme := strings.LastIndex(prefix, "://"); lastScheme >= 0 {
			between := prefix[lastScheme+3:]
			if !strings.ContainsAny(between, " \t\n\"'") {
				return true
			}
		}
		next := strings.Index(text[idx+1:], candidate)
		if next < 0 {
			break
		}
		idx += 1 + next
	}
	return false
}
