package agentsdk

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func newUnstartedTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(WithServerAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestSession_HandleToolCall_NoHandlerRegistered(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "missing",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ResultType != ResultFailure {
		t.Fatalf("resultType = %s, want failure", resp.Result.ResultType)
	}
}

func TestSession_HandleToolCall_Success(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.RegisterTool("echo", func(_ context.Context, call ToolCall) ToolResult {
		return SuccessResult(string(call.Arguments))
	})

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "echo", Arguments: json.RawMessage(`"42"`),
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.TextResultForLlm != `"42"` || resp.Result.ResultType != ResultSuccess {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestSession_HandleToolCall_PanicIsRecovered(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.RegisterTool("boom", func(_ context.Context, _ ToolCall) ToolResult {
		panic("kaboom")
	})

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "boom",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ResultType != ResultFailure {
		t.Fatalf("expected failure result after panic, got %+v", resp.Result)
	}
}

func TestSession_HandleToolCall_DestroyedSessionDefaultsToNotSupported(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.RegisterTool("echo", func(_ context.Context, call ToolCall) ToolResult {
		return SuccessResult("should not run")
	})
	s.destroyed = true

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "echo",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ResultType != ResultFailure {
		t.Fatalf("expected failure for destroyed session, got %+v", resp.Result)
	}
}

func TestSession_ToolPolicyDeniesBeforeHandlerRuns(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	handlerRan := false
	s.RegisterTool("delete_file", func(_ context.Context, _ ToolCall) ToolResult {
		handlerRan = true
		return SuccessResult("deleted")
	})
	err := s.RegisterToolPolicy([]ToolPolicyRule{
		{Name: "block-deletes", Expression: `tool_name == "delete_file"`, Action: ToolPolicyDeny},
	})
	if err != nil {
		t.Fatalf("RegisterToolPolicy: %v", err)
	}

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "delete_file",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ResultType != ResultFailure {
		t.Fatalf("expected policy denial, got %+v", resp.Result)
	}
	if handlerRan {
		t.Fatal("tool handler must not run when policy denies")
	}
}

func TestSession_ToolPolicyNoMatchFallsThroughToHandler(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.RegisterTool("read_file", func(_ context.Context, _ ToolCall) ToolResult {
		return SuccessResult("contents")
	})
	err := s.RegisterToolPolicy([]ToolPolicyRule{
		{Name: "block-deletes", Expression: `tool_name == "delete_file"`, Action: ToolPolicyDeny},
	})
	if err != nil {
		t.Fatalf("RegisterToolPolicy: %v", err)
	}

	raw, rpcErr := s.handleToolCall(context.Background(), toolCallRequest{
		SessionID: "sess-1", ToolCallID: "t1", ToolName: "read_file",
	})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp toolCallResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.ResultType != ResultSuccess || resp.Result.TextResultForLlm != "contents" {
		t.Fatalf("expected handler result to pass through, got %+v", resp.Result)
	}
}

func TestSession_RegisterToolPolicyRejectsInvalidExpression(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	err := s.RegisterToolPolicy([]ToolPolicyRule{
		{Name: "broken", Expression: "tool_name ==", Action: ToolPolicyDeny},
	})
	if err == nil {
		t.Fatal("expected compile error for invalid CEL expression")
	}
}

func TestSession_CallToolReturnsToolNotRegisteredError(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))

	_, err := s.CallTool(context.Background(), "missing", nil)
	if !errors.Is(err, ErrToolNotRegistered) {
		t.Fatalf("err = %v, want ErrToolNotRegistered", err)
	}
	var notRegistered *ToolNotRegisteredError
	if !errors.As(err, &notRegistered) || notRegistered.ToolName != "missing" {
		t.Fatalf("unexpected error value: %v", err)
	}
}

func TestSession_CallToolInvokesRegisteredHandler(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.RegisterTool("echo", func(_ context.Context, call ToolCall) ToolResult {
		return SuccessResult(string(call.Arguments))
	})

	result, err := s.CallTool(context.Background(), "echo", json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.TextResultForLlm != `"hi"` || result.ResultType != ResultSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSuccessAndFailureResultConstructors(t *testing.T) {
	ok := SuccessResult("42")
	if ok.ResultType != ResultSuccess || ok.TextResultForLlm != "42" {
		t.Fatalf("unexpected SuccessResult: %+v", ok)
	}

	fail := FailureResult("nope")
	if fail.ResultType != ResultFailure || fail.Error != "nope" {
		t.Fatalf("unexpected FailureResult: %+v", fail)
	}
}
