package agentsdk

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrClientStopped is returned by any Client or Session method called
	// after Stop or ForceStop has completed.
	ErrClientStopped = errors.New("agentsdk: client stopped")

	// ErrProtocolMismatch is returned when the server's ping response
	// reports a protocol version this Client does not support.
	ErrProtocolMismatch = errors.New("agentsdk: protocol version mismatch")

	// ErrSessionNotFound is returned by operations addressed to a session
	// id the Client has no record of (never created, or already deleted).
	ErrSessionNotFound = errors.New("agentsdk: session not found")

	// ErrToolNotRegistered is returned by Session.CallTool-style host paths
	// when a tool.call names a tool with no registered handler.
	ErrToolNotRegistered = errors.New("agentsdk: tool not registered")

	// ErrSpawnFailed is returned when the configured server process could
	// not be started or did not become reachable within SpawnTimeout.
	ErrSpawnFailed = errors.New("agentsdk: server spawn failed")
)

// Error is the base error type for SDK-raised errors carrying a
// machine-readable code, mirroring the teacher's SentinelGateError.
type Error struct {
	// Code is a machine-readable error code, e.g. "spawn_failed".
	Code string
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agentsdk [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("agentsdk [%s]", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// ProtocolMismatchError reports the versions involved in a failed ping
// negotiation.
type ProtocolMismatchError struct {
	// Requested is the protocol version this Client asked for.
	Requested string
	// ServerVersion is what the server reported back.
	ServerVersion string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("agentsdk: protocol mismatch: requested %s, server reports %s", e.Requested, e.ServerVersion)
}

func (e *ProtocolMismatchError) Is(target error) bool { return target == ErrProtocolMismatch }

// SessionNotFoundError names the session id that could not be resolved.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("agentsdk: session not found: %s", e.SessionID)
}

func (e *SessionNotFoundError) Is(target error) bool { return target == ErrSessionNotFound }

// ToolNotRegisteredError names the tool a peer tried to invoke.
type ToolNotRegisteredError struct {
	ToolName string
}

func (e *ToolNotRegisteredError) Error() string {
	return fmt.Sprintf("agentsdk: tool not registered: %s", e.ToolName)
}

func (e *ToolNotRegisteredError) Is(target error) bool { return target == ErrToolNotRegistered }

// SpawnFailedError wraps the underlying OS/transport error from a failed
// server spawn or connect attempt.
type SpawnFailedError struct {
	Cause error
}

func (e *SpawnFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agentsdk: server spawn failed: %v", e.Cause)
	}
	return "agentsdk: server spawn failed"
}

func (e *SpawnFailedError) Unwrap() error { return e.Cause }

func (e *SpawnFailedError) Is(target error) bool { return target == ErrSpawnFailed }
