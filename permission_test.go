package agentsdk

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSession_HandlePermissionRequest_DefaultDeny(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))

	raw, rpcErr := s.handlePermissionRequest(context.Background(), permissionRequest{SessionID: "sess-1"})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp permissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Decision != PermissionDeny {
		t.Fatalf("decision = %s, want deny", resp.Result.Decision)
	}
}

func TestSession_HandlePermissionRequest_RegisteredHandler(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.SetPermissionHandler(func(_ context.Context, req PermissionRequest) PermissionResult {
		return PermissionResult{Decision: PermissionAllow}
	})

	raw, rpcErr := s.handlePermissionRequest(context.Background(), permissionRequest{SessionID: "sess-1"})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp permissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Decision != PermissionAllow {
		t.Fatalf("decision = %s, want allow", resp.Result.Decision)
	}
}

func TestSession_HandlePermissionRequest_PanicIsRecoveredAsDeny(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.SetPermissionHandler(func(_ context.Context, req PermissionRequest) PermissionResult {
		panic("kaboom")
	})

	raw, rpcErr := s.handlePermissionRequest(context.Background(), permissionRequest{SessionID: "sess-1"})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp permissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Decision != PermissionDeny {
		t.Fatalf("decision after panic = %s, want deny", resp.Result.Decision)
	}
}

func TestSession_SetPermissionHandlerNilRevertsToDefaultDeny(t *testing.T) {
	s := newSession("sess-1", newUnstartedTestClient(t))
	s.SetPermissionHandler(func(_ context.Context, req PermissionRequest) PermissionResult {
		return PermissionResult{Decision: PermissionAllow}
	})
	s.SetPermissionHandler(nil)

	raw, rpcErr := s.handlePermissionRequest(context.Background(), permissionRequest{SessionID: "sess-1"})
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	var resp permissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Result.Decision != PermissionDeny {
		t.Fatalf("decision = %s, want deny after clearing handler", resp.Result.Decision)
	}
}
