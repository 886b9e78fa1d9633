package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agent-sdk/agentsdk-go/internal/rpc"
)

// PermissionDecision is the outcome a PermissionHandler returns.
type PermissionDecision string

const (
	PermissionAllow PermissionDecision = "allow"
	PermissionDeny  PermissionDecision = "deny"
)

// PermissionResult answers one inbound permission.request.
type PermissionResult struct {
	Decision PermissionDecision `json:"decision"`
	Reason   string             `json:"reason,omitempty"`
}

// PermissionHandler decides whether to approve a sensitive operation the
// server is asking about. A session with no registered handler denies
// every request, per spec.md §4.2's "missing handler defaults to deny".
type PermissionHandler func(ctx context.Context, req PermissionRequest) PermissionResult

// PermissionRequest is what the server asks permission for.
type PermissionRequest struct {
	SessionID string
	Details   json.RawMessage
}

// permissionRequest is the wire shape of an inbound "permission.request".
type permissionRequest struct {
	SessionID         string          `json:"sessionId"`
	PermissionRequest json.RawMessage `json:"permissionRequest"`
}

type permissionResponse struct {
	Result PermissionResult `json:"result"`
}

// handlePermissionRequest invokes this session's permission handler (or
// denies, if none is registered) and marshals the response.
func (s *Session) handlePermissionRequest(ctx context.Context, req permissionRequest) (json.RawMessage, *rpc.Error) {
	s.mu.Lock()
	handler := s.permissionHandler
	s.mu.Unlock()

	var result PermissionResult
	if handler == nil {
		result = PermissionResult{Decision: PermissionDeny, Reason: "no permission handler registered"}
	} else {
		result = s.invokePermissionHandler(ctx, handler, req)
	}

	body, err := json.Marshal(permissionResponse{Result: result})
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: fmt.Sprintf("marshal permission result: %v", err)}
	}
	return body, nil
}

// invokePermissionHandler runs handler with the same fault isolation as
// tool handlers: a panic is treated as a deny, never crashes the engine.
func (s *Session) invokePermissionHandler(ctx context.Context, handler PermissionHandler, req permissionRequest) (result PermissionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = PermissionResult{Decision: PermissionDeny, Reason: fmt.Sprintf("permission handler panicked: %v", r)}
		}
	}()
	return handler(ctx, PermissionRequest{SessionID: req.SessionID, Details: req.PermissionRequest})
}
