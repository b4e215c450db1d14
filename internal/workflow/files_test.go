package workflow

import (
	"reflect"
	"testing"

	"github.com/skein-dev/skein/internal/orchestrator"
)

func TestDetectGeneratedFiles_PrefersWriteFileEvidence(t *testing.T) {
	results := []orchestrator.ToolResult{
		{Name: "write_file", Success: true, Output: "File written successfully: /tmp/report.md"},
		{Name: "write_file", Success: true, Output: "File written successfully: /tmp/data.json"},
		{Name: "read_file", Success: true, Output: "File written successfully: /tmp/ignored.txt"},
	}

	files := DetectGeneratedFiles("also mentions notes.txt in prose", results, "file")
	want := []string{"/tmp/report.md", "/tmp/data.json"}
	if !reflect.DeepEqual(files, want) {
		t.Errorf("Expected %v, got %v", want, files)
	}
}

func TestDetectGeneratedFiles_FailedWritesIgnored(t *testing.T) {
	results := []orchestrator.ToolResult{
		{Name: "write_file", Success: false, Output: "File written successfully: /tmp/phantom.md"},
	}
	files := DetectGeneratedFiles("", results, "")
	if len(files) != 0 {
		t.Errorf("Expected no files from failed writes, got %v", files)
	}
}

func TestDetectGeneratedFiles_TextScanOnlyForFileOutput(t *testing.T) {
	output := "I saved the summary to ./out/summary.md for you."

	if files := DetectGeneratedFiles(output, nil, "text"); len(files) != 0 {
		t.Errorf("Text output format must not trigger the path scan, got %v", files)
	}

	files := DetectGeneratedFiles(output, nil, "file")
	if len(files) != 1 || files[0] != "./out/summary.md" {
		t.Errorf("Expected ./out/summary.md, got %v", files)
	}
}

func TestDetectGeneratedFiles_SkipsURLPaths(t *testing.T) {
	output := "See https://example.com/docs/guide.html and the local copy at /tmp/guide.html"
	files := DetectGeneratedFiles(output, nil, "file")
	if len(files) != 1 || files[0] != "/tmp/guide.html" {
		t.Errorf("Expected only the local path, got %v", files)
	}
}

func TestDetectGeneratedFiles_Deduplicates(t *testing.T) {
	results := []orchestrator.ToolResult{
		{Name: "write_file", Success: true, Output: "File written successfully: out.md"},
		{Name: "write_file", Success: true, Output: "File written successfully: out.md"},
	}
	files := DetectGeneratedFiles("", results, "")
	if len(files) != 1 {
		t.Errorf("Expected deduplicated result, got %v", files)
	}
}
