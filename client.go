package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/agent-sdk/agentsdk-go/internal/config"
	"github.com/agent-sdk/agentsdk-go/internal/process"
	"github.com/agent-sdk/agentsdk-go/internal/rpc"
	"github.com/agent-sdk/agentsdk-go/internal/telemetry"
)

// ClientState is the Client's connection lifecycle, per the wire protocol's
// state machine: Disconnected -> Connecting -> Connected, with Error
// reachable from either of the latter two.
type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Client owns one connection to a CLI server: it spawns or attaches to the
// process, frames JSON-RPC over it, negotiates the protocol version, and
// hands out Sessions. A Client is safe for concurrent use.
type Client struct {
	cfg            config.ClientConfig
	logger         *slog.Logger
	metricsReg     prometheus.Registerer
	tracerProvider trace.TracerProvider
	historyCache   bool

	mu      sync.Mutex
	state   ClientState
	handle  *process.Handle
	engine  *rpc.Engine
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	sessionsMu sync.Mutex
	sessions   map[string]*Session

	teardownOnce sync.Once
	stopped      bool

	optErr error
}

// NewClient resolves a base ClientConfig from AGENTSDK_* environment
// variables (internal/config.LoadPartial), applies opts on top — in order,
// so a WithConfigFile followed by e.g. WithServerAddr lets the latter win —
// then fills remaining defaults and validates. It does not spawn or connect
// anything — call Start for that.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := config.LoadPartial("")
	if err != nil {
		return nil, fmt.Errorf("agentsdk: resolve config from environment: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.optErr != nil {
		return nil, c.optErr
	}
	c.cfg.SetDefaults()
	if err := c.cfg.Validate(); err != nil {
		return nil, &Error{Code: "invalid_config", Err: err}
	}

	reg := c.metricsReg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.metrics = telemetry.NewMetrics(reg)

	provider := c.tracerProvider
	if provider == nil {
		tp, err := telemetry.NewStdoutTracerProvider()
		if err != nil {
			return nil, fmt.Errorf("agentsdk: build default tracer provider: %w", err)
		}
		provider = tp
	}
	c.tracer = telemetry.NewTracer(provider)

	c.sessions = make(map[string]*Session)
	return c, nil
}

// State reports the Client's current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the Prometheus collectors this Client records to, for
// hosts that want to register their own registry via WithMetricsRegisterer
// and scrape it themselves.
func (c *Client) Metrics() *telemetry.Metrics {
	return c.metrics
}

// Start spawns (or attaches to) the configured CLI server, wraps the
// resulting duplex stream in a framed JSON-RPC engine, installs inbound
// handlers for tool.call/permission.request/session.event, and negotiates
// the protocol version via ping. On any failure the Client is left in
// StateError.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return &Error{Code: "already_started", Err: fmt.Errorf("client is %s", c.state)}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	handle, err := c.connect(ctx)
	if err != nil {
		c.setState(StateError)
		return &SpawnFailedError{Cause: err}
	}

	engine := rpc.NewEngine(handle,
		rpc.WithMaxFrameSize(c.cfg.MaxFrameSize),
		rpc.WithLogger(c.logger),
		rpc.WithDedupWindow(c.cfg.DedupWindow),
	)
	engine.SetRequestHandler(c.dispatchRequest)
	engine.SetNotificationHandler(c.dispatchNotification)
	engine.SetOnDisconnect(c.handleDisconnect)
	engine.Start(ctx)

	c.mu.Lock()
	c.handle = handle
	c.engine = engine
	c.mu.Unlock()

	if err := c.negotiate(ctx); err != nil {
		engine.Stop()
		_ = handle.ForceStop()
		c.setState(StateError)
		return err
	}

	c.setState(StateConnected)
	return nil
}

func (c *Client) connect(ctx context.Context) (*process.Handle, error) {
	if c.cfg.IsSpawnMode() {
		return process.SpawnStdio(ctx, c.cfg.ServerPath, c.cfg.ServerArgs...)
	}
	return process.AttachTCP(ctx, c.cfg.ServerAddr)
}

func (c *Client) negotiate(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.SpawnTimeout)
	defer cancel()

	result, err := c.Ping(reqCtx, "")
	if err != nil {
		return fmt.Errorf("agentsdk: ping during startup negotiation: %w", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != c.cfg.ProtocolVersion {
		return &ProtocolMismatchError{Requested: c.cfg.ProtocolVersion, ServerVersion: result.ProtocolVersion}
	}
	return nil
}

// handleDisconnect implements the single-immediate-retry reconnect policy:
// on an unexpected transport drop, with AutoRestart enabled and the Client
// not already stopped, it attempts exactly one reconnect before settling
// into StateError.
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	stopped := c.stopped
	autoRestart := c.cfg.AutoRestart
	c.mu.Unlock()
	if stopped {
		return
	}

	c.logger.Warn("agentsdk: transport disconnected", "error", err)
	c.broadcastConnectionLost()

	if !autoRestart {
		c.setState(StateError)
		return
	}

	c.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SpawnTimeout)
	defer cancel()

	handle, connErr := c.connect(ctx)
	if connErr != nil {
		c.logger.Error("agentsdk: reconnect failed", "error", connErr)
		c.setState(StateError)
		return
	}

	engine := rpc.NewEngine(handle,
		rpc.WithMaxFrameSize(c.cfg.MaxFrameSize),
		rpc.WithLogger(c.logger),
		rpc.WithDedupWindow(c.cfg.DedupWindow),
	)
	engine.SetRequestHandler(c.dispatchRequest)
	engine.SetNotificationHandler(c.dispatchNotification)
	engine.SetOnDisconnect(c.handleDisconnect)
	engine.Start(ctx)

	c.mu.Lock()
	c.handle = handle
	c.engine = engine
	c.mu.Unlock()

	if negErr := c.negotiate(ctx); negErr != nil {
		c.logger.Error("agentsdk: reconnect negotiation failed", "error", negErr)
		engine.Stop()
		_ = handle.ForceStop()
		c.setState(StateError)
		return
	}
	c.setState(StateConnected)
}

// broadcastConnectionLost delivers a synthetic session.error event to every
// live session's subscribers so they observe the disconnect rather than
// silently stalling while handleDisconnect re-negotiates a new connection.
func (c *Client) broadcastConnectionLost() {
	c.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessionsMu.Unlock()

	ev := connectionLostEvent()
	for _, s := range sessions {
		s.dispatchEvent(ev)
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stop destroys every open session, tears down the engine, and (if this
// Client owns the server process) gracefully stops it, aggregating any
// errors encountered along the way. The session.destroy RPCs are issued
// before the Client is marked stopped, so they don't reject themselves via
// engineOrErr; only after every session is torn down and the engine/process
// are stopped does the Client start rejecting new calls. A second Stop or a
// ForceStop racing this one is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	var errs error
	ran := false
	c.teardownOnce.Do(func() {
		ran = true
		c.mu.Lock()
		engine, handle := c.engine, c.handle
		c.mu.Unlock()

		c.sessionsMu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessionsMu.Unlock()

		for _, s := range sessions {
			if err := s.Destroy(ctx); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		if engine != nil {
			engine.Stop()
		}
		if handle != nil {
			if err := handle.Stop(ctx); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.setState(StateDisconnected)
	})
	if !ran {
		return nil
	}
	return errs
}

// ForceStop tears everything down immediately, with no grace period,
// skipping session.destroy RPCs entirely per spec.md §4.2. Racing with (or
// following) a Stop call is a no-op.
func (c *Client) ForceStop() error {
	var errs error
	ran := false
	c.teardownOnce.Do(func() {
		ran = true
		c.mu.Lock()
		engine, handle := c.engine, c.handle
		c.mu.Unlock()

		if engine != nil {
			engine.Stop()
		}
		if handle != nil {
			if err := handle.ForceStop(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}

		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.setState(StateDisconnected)
	})
	if !ran {
		return nil
	}
	return errs
}

// PingResult is the decoded response to an outbound ping.
type PingResult struct {
	Message         string `json:"message,omitempty"`
	Timestamp       int64  `json:"timestamp,omitempty"`
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// RoundTrip is the local wall-clock elapsed between sending the ping and
	// decoding its response, for hosts that want to watch for latency
	// regressions without parsing Timestamp themselves.
	RoundTrip time.Duration `json:"-"`
}

// Ping sends the "ping" request, used both for liveness checks and, with an
// empty message, for protocol-version negotiation during Start.
func (c *Client) Ping(ctx context.Context, message string) (PingResult, error) {
	params, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return PingResult{}, fmt.Errorf("agentsdk: marshal ping params: %w", err)
	}
	sent := time.Now()
	raw, err := c.request(ctx, "ping", params)
	if err != nil {
		return PingResult{}, err
	}
	var result PingResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return PingResult{}, fmt.Errorf("agentsdk: decode ping result: %w", err)
		}
	}
	result.RoundTrip = time.Since(sent)
	return result, nil
}

// request sends a metered, traced outbound JSON-RPC request: it wraps
// engine.Request with an RPC span and records RPCRequestsTotal /
// RPCRequestDuration, so every Client method that talks to the server goes
// through the same observability path.
func (c *Client) request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	ctx, span := c.tracer.StartRPCSpan(ctx, method)
	defer span.End()

	c.metrics.PendingRequests.Inc()
	defer c.metrics.PendingRequests.Dec()

	start := time.Now()
	result, err := engine.Request(ctx, method, params)
	c.metrics.RPCRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	return result, err
}

func (c *Client) engineOrErr() (*rpc.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrClientStopped
	}
	if c.engine == nil {
		return nil, &Error{Code: "not_started", Err: fmt.Errorf("client has not been started")}
	}
	return c.engine, nil
}

// SessionOptions configures a newly created or resumed session.
type SessionOptions struct {
	// SystemPrompt, if non-empty, overrides the server's default.
	SystemPrompt string
	// WorkingDirectory scopes filesystem tool calls the server makes on the
	// session's behalf.
	WorkingDirectory string
	// Model selects which backing model the server uses for this session.
	Model string
}

func (o SessionOptions) marshalParams(extra map[string]any) (json.RawMessage, error) {
	m := map[string]any{}
	if o.SystemPrompt != "" {
		m["systemPrompt"] = o.SystemPrompt
	}
	if o.WorkingDirectory != "" {
		m["workingDirectory"] = o.WorkingDirectory
	}
	if o.Model != "" {
		m["model"] = o.Model
	}
	for k, v := range extra {
		m[k] = v
	}
	return json.Marshal(m)
}

type createSessionResult struct {
	SessionID string `json:"sessionId"`
}

// CreateSession opens a new session via "session.create" and returns a
// Session bound to it.
func (c *Client) CreateSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	params, err := opts.marshalParams(nil)
	if err != nil {
		return nil, fmt.Errorf("agentsdk: marshal session.create params: %w", err)
	}
	raw, err := c.request(ctx, "session.create", params)
	if err != nil {
		return nil, err
	}
	var result createSessionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("agentsdk: decode session.create result: %w", err)
	}
	return c.registerSession(result.SessionID), nil
}

// ResumeSession reattaches to a previously created session via
// "session.resume".
func (c *Client) ResumeSession(ctx context.Context, id string, opts SessionOptions) (*Session, error) {
	params, err := opts.marshalParams(map[string]any{"sessionId": id})
	if err != nil {
		return nil, fmt.Errorf("agentsdk: marshal session.resume params: %w", err)
	}
	if _, err := c.request(ctx, "session.resume", params); err != nil {
		return nil, err
	}
	return c.registerSession(id), nil
}

func (c *Client) registerSession(id string) *Session {
	s := newSession(id, c)
	s.historyCache = c.historyCache
	c.sessionsMu.Lock()
	c.sessions[id] = s
	c.sessionsMu.Unlock()
	c.metrics.ActiveSessions.Inc()
	return s
}

func (c *Client) unregisterSession(id string) {
	c.sessionsMu.Lock()
	_, existed := c.sessions[id]
	delete(c.sessions, id)
	c.sessionsMu.Unlock()
	if existed {
		c.metrics.ActiveSessions.Dec()
	}
}

// Session looks up a *Session this Client has a local handle for — one
// returned by CreateSession/ResumeSession and not yet deleted. It returns a
// *SessionNotFoundError if id is unknown locally; it does not consult the
// server, so a session the server still tracks but this Client never
// opened a handle for is still reported not found.
func (c *Client) Session(id string) (*Session, error) {
	s, ok := c.sessionFor(id)
	if !ok {
		return nil, &SessionNotFoundError{SessionID: id}
	}
	return s, nil
}

// ListSessions lists every session id the server currently knows about via
// "session.list".
func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	raw, err := c.request(ctx, "session.list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Sessions []struct {
			SessionID string `json:"sessionId"`
		} `json:"sessions"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("agentsdk: decode session.list result: %w", err)
		}
	}
	ids := make([]string, 0, len(result.Sessions))
	for _, s := range result.Sessions {
		ids = append(ids, s.SessionID)
	}
	return ids, nil
}

// DeleteSession permanently removes a session the server is tracking, even
// one this Client never opened a Session handle for.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	params, err := json.Marshal(map[string]string{"sessionId": id})
	if err != nil {
		return fmt.Errorf("agentsdk: marshal session.delete params: %w", err)
	}
	if _, err := c.request(ctx, "session.delete", params); err != nil {
		return err
	}
	c.unregisterSession(id)
	return nil
}

// dispatchRequest answers inbound tool.call and permission.request
// requests by routing to the named session's registered handlers.
func (c *Client) dispatchRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpc.Error) {
	ctx, span := c.tracer.StartDispatchSpan(ctx, method)
	defer span.End()

	switch method {
	case "tool.call":
		return c.dispatchToolCall(ctx, params)
	case "permission.request":
		return c.dispatchPermissionRequest(ctx, params)
	default:
		return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: fmt.Sprintf("unsupported inbound method: %s", method)}
	}
}

func (c *Client) sessionFor(id string) (*Session, bool) {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Client) dispatchToolCall(ctx context.Context, params json.RawMessage) (json.RawMessage, *rpc.Error) {
	var req toolCallRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	session, ok := c.sessionFor(req.SessionID)
	if !ok {
		return unknownSessionToolResult(req.SessionID, req.ToolName)
	}
	return session.handleToolCall(ctx, req)
}

func (c *Client) dispatchPermissionRequest(ctx context.Context, params json.RawMessage) (json.RawMessage, *rpc.Error) {
	var req permissionRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}
	session, ok := c.sessionFor(req.SessionID)
	if !ok {
		return unknownSessionPermissionResult(req.SessionID)
	}
	return session.handlePermissionRequest(ctx, req)
}

// unknownSessionToolResult answers a tool.call naming a session this Client
// has no record of with the same ToolResult-shaped success response
// toolNotSupportedResult uses for an unknown tool name, per spec.md §4.2 —
// an unknown session is not a JSON-RPC protocol error, it's just another
// reason the tool can't run.
func unknownSessionToolResult(sessionID, toolName string) (json.RawMessage, *rpc.Error) {
	err := &SessionNotFoundError{SessionID: sessionID}
	result := FailureResult(fmt.Sprintf("tool %q: %v", toolName, err))
	body, marshalErr := json.Marshal(toolCallResponse{Result: result})
	if marshalErr != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: fmt.Sprintf("marshal tool result: %v", marshalErr)}
	}
	return body, nil
}

// unknownSessionPermissionResult is unknownSessionToolResult's counterpart
// for permission.request: deny, rather than fail a JSON-RPC frame.
func unknownSessionPermissionResult(sessionID string) (json.RawMessage, *rpc.Error) {
	err := &SessionNotFoundError{SessionID: sessionID}
	result := PermissionResult{Decision: PermissionDeny, Reason: err.Error()}
	body, marshalErr := json.Marshal(permissionResponse{Result: result})
	if marshalErr != nil {
		return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: fmt.Sprintf("marshal permission result: %v", marshalErr)}
	}
	return body, nil
}

// dispatchNotification routes inbound "session.event" notifications to the
// named session's subscribers.
func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	if method != "session.event" {
		c.logger.Debug("agentsdk: discarding unrecognized notification", "method", method)
		return
	}
	var env struct {
		SessionID string          `json:"sessionId"`
		Event     json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(params, &env); err != nil {
		c.logger.Warn("agentsdk: malformed session.event", "error", err)
		return
	}
	session, ok := c.sessionFor(env.SessionID)
	if !ok {
		return
	}
	var ev Event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		c.logger.Warn("agentsdk: malformed session.event payload", "error", err)
		return
	}
	session.dispatchEvent(ev)
}
