package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// RequestHandler answers an inbound request (e.g. "tool.call",
// "permission.request") from the peer and returns the raw JSON result or a
// JSON-RPC error to send back.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (result json.RawMessage, rpcErr *Error)

// NotificationHandler observes an inbound notification (e.g. "session.event").
type NotificationHandler func(method string, params json.RawMessage)

// DisconnectHandler is invoked once, from the read loop, when the transport
// closes for any reason other than a caller-initiated Stop.
type DisconnectHandler func(err error)

// Error is the JSON-RPC error shape surfaced to callers of Request and
// returned by a RequestHandler to the peer.
type Error struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc: peer error %d: %s", e.Code, e.Message)
}

func newErrorFromWire(w *wireError) *Error {
	if w == nil {
		return nil
	}
	return &Error{Code: w.Code, Message: w.Message, Data: w.Data}
}

func (e *Error) toWire() *wireError {
	if e == nil {
		return nil
	}
	return &wireError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// Standard JSON-RPC error codes this engine emits for handler faults.
const (
	CodeInternalError  = -32603
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

type pendingCall struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    *Error
}

// Engine is a single bidirectional, length-framed JSON-RPC connection: one
// reader goroutine, frame writes serialized by a mutex on the calling
// goroutine, and a table of in-flight requests keyed by string id. It has no notion of sessions or tools; Client and
// Session build that vocabulary on top of Request/Notify.
type Engine struct {
	rw            io.ReadWriter
	maxFrameSize  int64
	logger        *slog.Logger
	dedupWindow   time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	reqHandler    RequestHandler
	notifHandler  NotificationHandler
	onDisconnect  DisconnectHandler

	dispatchPool *pool.Pool

	dedupMu   sync.Mutex
	dedupSeen map[uint64]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxFrameSize overrides the default inbound frame-size ceiling.
func WithMaxFrameSize(n int64) Option {
	return func(e *Engine) { e.maxFrameSize = ClampMaxFrameSize(n) }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDedupWindow enables content-hash-based suppression of duplicate
// notifications delivered within the given window of one another — used to
// absorb a reconnect race where the peer redelivers the last notification.
// Zero (the default) disables dedup entirely.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) { e.dedupWindow = d }
}

// WithDispatchConcurrency bounds how many inbound requests are processed
// concurrently. Default is 8. Notifications bypass this pool; see
// dispatchNotification.
func WithDispatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.dispatchPool = pool.New().WithMaxGoroutines(n)
		}
	}
}

// NewEngine wraps rw (a pipe, socket, or stdio pair) as a framed JSON-RPC
// engine. Call Start to begin pumping frames.
func NewEngine(rw io.ReadWriter, opts ...Option) *Engine {
	e := &Engine{
		rw:           rw,
		maxFrameSize: DefaultMaxFrameSize,
		logger:       slog.Default(),
		pending:      make(map[string]*pendingCall),
		dedupSeen:    make(map[uint64]time.Time),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatchPool == nil {
		e.dispatchPool = pool.New().WithMaxGoroutines(8)
	}
	return e
}

// SetRequestHandler installs the callback invoked for inbound requests. Must
// be called before Start; not safe to change concurrently with traffic.
func (e *Engine) SetRequestHandler(h RequestHandler) { e.reqHandler = h }

// SetNotificationHandler installs the callback invoked for inbound
// notifications. Must be called before Start.
func (e *Engine) SetNotificationHandler(h NotificationHandler) { e.notifHandler = h }

// SetOnDisconnect installs the callback invoked once when the read loop
// exits due to a transport error or peer close (not a local Stop).
func (e *Engine) SetOnDisconnect(h DisconnectHandler) { e.onDisconnect = h }

// Start begins the read loop in a background goroutine. It returns
// immediately; read errors surface via the DisconnectHandler.
func (e *Engine) Start(ctx context.Context) {
	go e.readLoop(ctx)
}

// Request sends a JSON-RPC request and blocks until a matching response
// arrives, ctx is done, or the engine stops. The returned error is ctx's
// error on cancellation, ErrEngineClosed once the engine has stopped, or a
// *Error for a peer-returned error response.
func (e *Engine) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := uuid.NewString()
	call := &pendingCall{resultCh: make(chan pendingResult, 1)}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.pending[id] = call
	e.mu.Unlock()

	cleanup := func() {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
	}

	body, err := json.Marshal(outboundRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	if err := e.writeFrame(body); err != nil {
		cleanup()
		return nil, fmt.Errorf("rpc: write request: %w", err)
	}

	select {
	case res := <-call.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-e.stopCh:
		cleanup()
		return nil, ErrEngineClosed
	}
}

// Notify sends a one-way JSON-RPC notification; there is no response to wait
// for and no error is returned for peer-side handling failures.
func (e *Engine) Notify(method string, params json.RawMessage) error {
	body, err := json.Marshal(outboundNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpc: marshal notification: %w", err)
	}
	return e.writeFrame(body)
}

func (e *Engine) writeFrame(body []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return WriteFrame(e.rw, body)
}

// Stop shuts the engine down: pending Request calls unblock with
// ErrEngineClosed and the read loop stops delivering further callbacks. It
// does not close the underlying io.ReadWriter; the caller owns that.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		// Closing stopCh unblocks every pending Request, which removes its
		// own pending entry and returns ErrEngineClosed.
		close(e.stopCh)
	})
}

func (e *Engine) readLoop(ctx context.Context) {
	defer close(e.doneCh)
	br := bufio.NewReader(e.rw)

	for {
		body, err := ReadFrame(br, e.maxFrameSize)
		e.mu.Lock()
		alreadyClosed := e.closed
		e.mu.Unlock()
		if err != nil {
			// A dead transport fails every pending Request with
			// ErrEngineClosed, the same as a local Stop.
			e.Stop()
			if !alreadyClosed && e.onDisconnect != nil {
				e.onDisconnect(err)
			}
			return
		}
		if alreadyClosed {
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			e.logger.Warn("rpc: discarding malformed frame", "error", err)
			continue
		}

		switch classify(&env) {
		case kindResponse:
			e.handleResponse(&env)
		case kindRequest:
			e.dispatchRequest(ctx, &env)
		case kindNotification:
			e.dispatchNotification(&env)
		default:
			e.logger.Debug("rpc: discarding unclassifiable frame")
		}
	}
}

func (e *Engine) handleResponse(env *envelope) {
	idStr, ok := idAsString(env.ID)
	if !ok {
		// id is present but not the string type this core ever generates;
		// per spec.md §8 this must be silently ignored, never matched.
		return
	}

	e.mu.Lock()
	call, found := e.pending[idStr]
	if found {
		delete(e.pending, idStr)
	}
	e.mu.Unlock()
	if !found {
		return
	}

	call.resultCh <- pendingResult{result: env.Result, err: newErrorFromWire(env.Error)}
}

func (e *Engine) dispatchRequest(ctx context.Context, env *envelope) {
	id := env.ID
	method := env.Method
	params := env.Params
	handler := e.reqHandler

	e.dispatchPool.Go(func() {
		var (
			result json.RawMessage
			rpcErr *Error
		)
		if handler == nil {
			rpcErr = &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
		} else {
			result, rpcErr = handler(ctx, method, params)
		}

		body, err := json.Marshal(outboundResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result, Error: rpcErr.toWire()})
		if err != nil {
			e.logger.Error("rpc: marshal response failed", "error", err, "method", method)
			return
		}
		if err := e.writeFrame(body); err != nil {
			e.logger.Error("rpc: write response failed", "error", err, "method", method)
		}
	})
}

// dispatchNotification invokes the notification handler synchronously, on
// the read loop goroutine, rather than through dispatchPool. Unlike
// requests, notifications (chiefly session.event) carry an ordering
// guarantee: a single session's events must reach subscribers in the order
// they arrived on the wire. Routing them through the bounded worker pool
// would let two notifications for the same session run concurrently on
// different goroutines with no guarantee of completing in arrival order, so
// this stays on the single-threaded read loop instead. Handlers are
// expected to be cheap (fan-out bookkeeping, not arbitrary host work).
func (e *Engine) dispatchNotification(env *envelope) {
	handler := e.notifHandler
	if handler == nil {
		return
	}
	method := env.Method
	params := env.Params

	if e.dedupWindow > 0 && e.isDuplicateNotification(method, params) {
		return
	}

	handler(method, params)
}

// isDuplicateNotification reports whether an identical (method, params)
// notification was already delivered within the dedup window, and records
// this one. Grounded on reconnect races where the peer redelivers the last
// notification it sent before the transport dropped.
func (e *Engine) isDuplicateNotification(method string, params json.RawMessage) bool {
	h := xxhash.New()
	_, _ = h.WriteString(method)
	_, _ = h.Write(params)
	sum := h.Sum64()

	now := time.Now()
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()

	for k, seenAt := range e.dedupSeen {
		if now.Sub(seenAt) > e.dedupWindow {
			delete(e.dedupSeen, k)
		}
	}

	if seenAt, ok := e.dedupSeen[sum]; ok && now.Sub(seenAt) <= e.dedupWindow {
		return true
	}
	e.dedupSeen[sum] = now
	return false
}
