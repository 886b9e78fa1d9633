package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-sdk/agentsdk-go/internal/policy"
	"github.com/agent-sdk/agentsdk-go/internal/rpc"
)

// ResultType discriminates a ToolResult as the server's LLM loop expects.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultFailure ResultType = "failure"
)

// ToolResult is the normalized shape every registered ToolHandler's return
// value is coerced into before being sent back to the server.
type ToolResult struct {
	TextResultForLlm    string          `json:"textResultForLlm"`
	BinaryResultsForLlm json.RawMessage `json:"binaryResultsForLlm,omitempty"`
	ResultType          ResultType      `json:"resultType"`
	Error               string          `json:"error,omitempty"`
	SessionLog          json.RawMessage `json:"sessionLog,omitempty"`
	ToolTelemetry       json.RawMessage `json:"toolTelemetry,omitempty"`
}

// SuccessResult is a convenience constructor for a plain-text success.
func SuccessResult(text string) ToolResult {
	return ToolResult{TextResultForLlm: text, ResultType: ResultSuccess}
}

// FailureResult is a convenience constructor for a plain-text failure.
func FailureResult(errMsg string) ToolResult {
	return ToolResult{TextResultForLlm: errMsg, ResultType: ResultFailure, Error: errMsg}
}

func toolNotSupportedResult(toolName string) ToolResult {
	return FailureResult(fmt.Sprintf("tool not supported: %s", toolName))
}

// ToolCall describes one inbound invocation a registered ToolHandler must
// answer.
type ToolCall struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  json.RawMessage
}

// ToolHandler executes one tool invocation and returns its result. Panics
// inside a handler are caught by the session and converted into a
// failure-typed ToolResult; they never propagate to the engine.
type ToolHandler func(ctx context.Context, call ToolCall) ToolResult

// toolCallRequest is the wire shape of an inbound "tool.call" request.
type toolCallRequest struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments"`
}

type toolCallResponse struct {
	Result ToolResult `json:"result"`
}

// handleToolCall looks up req.ToolName in this session's handler table,
// invokes it with fault isolation, and marshals the response per spec.md
// §4.2's tool.call contract. A missing handler is not an error reported to
// the peer — it is itself a failure-typed ToolResult.
func (s *Session) handleToolCall(ctx context.Context, req toolCallRequest) (json.RawMessage, *rpc.Error) {
	s.mu.Lock()
	handler, ok := s.toolHandlers[req.ToolName]
	destroyed := s.destroyed
	toolPolicy := s.toolPolicy
	s.mu.Unlock()

	var result ToolResult
	switch {
	case destroyed:
		result = toolNotSupportedResult(req.ToolName)
	case !ok:
		result = toolNotSupportedResult(req.ToolName)
	default:
		if denied, denyResult := s.checkToolPolicy(toolPolicy, req); denied {
			result = denyResult
		} else {
			result = s.invokeToolHandler(ctx, handler, req)
		}
	}

	body, err := json.Marshal(toolCallResponse{Result: result})
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: fmt.Sprintf("marshal tool result: %v", err)}
	}
	return body, nil
}

// checkToolPolicy evaluates req against the session's tool-policy rule set,
// if any is registered. A matched "deny" rule short-circuits with a
// failure-typed result and denied=true; a matched "allow" rule or no match
// falls through to the host's ToolHandler (denied=false).
func (s *Session) checkToolPolicy(toolPolicy *policy.Evaluator, req toolCallRequest) (denied bool, result ToolResult) {
	if toolPolicy == nil {
		return false, ToolResult{}
	}
	decision, err := toolPolicy.Evaluate(req.ToolName, req.Arguments, req.SessionID)
	if err != nil {
		return true, FailureResult(fmt.Sprintf("tool policy evaluation failed: %v", err))
	}
	if decision.Matched && decision.Action == policy.ActionDeny {
		return true, FailureResult(fmt.Sprintf("tool %q denied by policy rule %q", req.ToolName, decision.Rule))
	}
	return false, ToolResult{}
}

// invokeToolHandler runs handler with fault isolation: a panic is recovered
// and turned into a generic failure result naming the tool, mirroring
// spec.md §4.3's execute_tool contract.
func (s *Session) invokeToolHandler(ctx context.Context, handler ToolHandler, req toolCallRequest) (result ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			result = FailureResult(fmt.Sprintf("tool %q panicked: %v", req.ToolName, r))
		}
	}()

	start := time.Now()
	result = handler(ctx, ToolCall{
		SessionID:  req.SessionID,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Arguments:  req.Arguments,
	})
	if result.ResultType == "" {
		result.ResultType = ResultSuccess
	}
	s.recordToolCallMetrics(req.ToolName, result, start)
	return result
}
