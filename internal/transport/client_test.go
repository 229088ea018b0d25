package transport

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: isError,
	}
}

func TestBuildArguments(t *testing.T) {
	args := BuildArguments("backend", map[string]any{"feature_id": "f1"})
	if args["capability"] != "backend" {
		t.Errorf("expected capability backend, got %v", args["capability"])
	}
	task, ok := args["task"].(map[string]any)
	if !ok || task["feature_id"] != "f1" {
		t.Errorf("expected task payload, got %v", args["task"])
	}

	empty := BuildArguments("backend", nil)
	if _, ok := empty["task"]; ok {
		t.Error("expected no task key for empty payload")
	}
}

func TestParseResultStructuredSuccess(t *testing.T) {
	res := ParseResult(textResult(`{"success": true, "execution_id": "exec-42"}`, false))
	if !res.Success || res.ExecutionID != "exec-42" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestParseResultStructuredFailure(t *testing.T) {
	res := ParseResult(textResult(`{"success": false, "error": "tests failed"}`, false))
	if res.Success {
		t.Error("expected failure")
	}
	if res.Error != "tests failed" {
		t.Errorf("expected error text, got %q", res.Error)
	}
}

func TestParseResultIsErrorWins(t *testing.T) {
	res := ParseResult(textResult(`agent crashed`, true))
	if res.Success {
		t.Error("IsError results must never report success")
	}
	if res.Error != "agent crashed" {
		t.Errorf("expected error text, got %q", res.Error)
	}
}

func TestParseResultPlainText(t *testing.T) {
	res := ParseResult(textResult("exec-7\n", false))
	if !res.Success || res.ExecutionID != "exec-7" {
		t.Errorf("plain text should read as success with id: %+v", res)
	}
}

func TestParseResultEmpty(t *testing.T) {
	res := ParseResult(&mcp.CallToolResult{})
	if !res.Success {
		t.Error("empty non-error result should be a success")
	}
}
