package rpc

import "errors"

// ErrEngineClosed is returned by Request (and delivered to any caller
// blocked in Request) once Stop has been called or the transport has gone
// away.
var ErrEngineClosed = errors.New("rpc: engine closed")
