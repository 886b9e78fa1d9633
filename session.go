package agentsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agent-sdk/agentsdk-go/internal/policy"
)

// subscriberQueueSize bounds per-subscriber event buffering. Once full, the
// oldest queued events are dropped to make room for a "subscriber.lagged"
// marker and the new event, per spec.md §4.3's back-pressure policy.
const subscriberQueueSize = 256

// Session is one conversation on the server: a durable correlation id, a
// fan-out event stream, and its own tool-handler and permission-handler
// registries. A Session does not own the transport — it only holds a
// reference to the Client that created it.
type Session struct {
	id     string
	client *Client

	mu                sync.Mutex
	destroyed         bool
	nextSubID         uint64
	subscribers       map[uint64]*subscriber
	toolHandlers      map[string]ToolHandler
	permissionHandler PermissionHandler

	historyCache   bool
	cachedMessages []Event
	cacheValid     bool

	toolPolicy *policy.Evaluator
}

type subscriber struct {
	queue chan Event
}

func newSession(id string, client *Client) *Session {
	return &Session{
		id:           id,
		client:       client,
		subscribers:  make(map[uint64]*subscriber),
		toolHandlers: make(map[string]ToolHandler),
	}
}

// ID returns the server-assigned session identifier.
func (s *Session) ID() string { return s.id }

// RegisterTool installs handler as the implementation of tool name for this
// session. Registering the same name again replaces the previous handler.
func (s *Session) RegisterTool(name string, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHandlers[name] = handler
}

// UnregisterTool removes a previously registered tool handler.
func (s *Session) UnregisterTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.toolHandlers, name)
}

// CallTool invokes name's registered handler directly, without a round trip
// through the server — useful for hosts that want to exercise their own
// tool implementations (e.g. in tests) the same way an inbound tool.call
// would. It returns a *ToolNotRegisteredError if no handler is registered
// for name, rather than the failure-typed ToolResult the wire path answers
// with, since there is no peer here to send that result to.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	s.mu.Lock()
	handler, ok := s.toolHandlers[name]
	s.mu.Unlock()
	if !ok {
		return ToolResult{}, &ToolNotRegisteredError{ToolName: name}
	}
	return s.invokeToolHandler(ctx, handler, toolCallRequest{
		SessionID: s.id,
		ToolName:  name,
		Arguments: args,
	}), nil
}

// ToolPolicyAction is the outcome a matched ToolPolicyRule enforces.
type ToolPolicyAction = policy.Action

// Policy actions a rule can enforce.
const (
	ToolPolicyAllow ToolPolicyAction = policy.ActionAllow
	ToolPolicyDeny  ToolPolicyAction = policy.ActionDeny
)

// ToolPolicyRule is one named, ordered CEL rule evaluated against
// {tool_name, tool_args, session_id} before a tool.call's registered
// ToolHandler runs.
type ToolPolicyRule struct {
	Name       string
	Expression string
	Action     ToolPolicyAction
}

// RegisterToolPolicy compiles rules, in order, into this session's
// tool-policy pre-check. Every subsequent tool.call is evaluated against
// them before its registered ToolHandler runs, and the first matching rule
// decides: a "deny" match short-circuits with a failure-typed ToolResult
// without invoking host code, an "allow" match runs the handler. A session with no rules (the default) behaves exactly as if this
// were never called. Compile errors surface here, not mid-session.
func (s *Session) RegisterToolPolicy(rules []ToolPolicyRule) error {
	policyRules := make([]policy.Rule, len(rules))
	for i, r := range rules {
		policyRules[i] = policy.Rule{Name: r.Name, Expression: r.Expression, Action: r.Action}
	}
	ev, err := policy.NewEvaluator(policyRules)
	if err != nil {
		return fmt.Errorf("agentsdk: register tool policy: %w", err)
	}
	s.mu.Lock()
	s.toolPolicy = ev
	s.mu.Unlock()
	return nil
}

// SetPermissionHandler installs the handler invoked for inbound
// permission.request calls on this session. Passing nil reverts to the
// default-deny behavior.
func (s *Session) SetPermissionHandler(handler PermissionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissionHandler = handler
}

// SendOptions parameterizes Send / SendAndWait.
type SendOptions struct {
	Prompt      string
	Attachments []json.RawMessage
	Mode        string
}

func (o SendOptions) marshalParams(sessionID string) (json.RawMessage, error) {
	m := map[string]any{
		"sessionId": sessionID,
		"prompt":    o.Prompt,
	}
	if len(o.Attachments) > 0 {
		m["attachments"] = o.Attachments
	}
	if o.Mode != "" {
		m["mode"] = o.Mode
	}
	return json.Marshal(m)
}

// Send enqueues a user turn via "session.send" and returns the server's
// assigned message id once it has accepted the turn.
func (s *Session) Send(ctx context.Context, opts SendOptions) (string, error) {
	params, err := opts.marshalParams(s.id)
	if err != nil {
		return "", fmt.Errorf("agentsdk: marshal session.send params: %w", err)
	}
	raw, err := s.client.request(ctx, "session.send", params)
	if err != nil {
		return "", err
	}
	var result struct {
		MessageID string `json:"messageId"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("agentsdk: decode session.send result: %w", err)
		}
	}
	return result.MessageID, nil
}

// SendAndWait sends a turn and blocks until the session reaches
// session.idle, a session.error event arrives, or timeout elapses. It
// subscribes before calling Send, per spec.md §4.3's explicit rule, to
// avoid a race where idle arrives between Send returning and subscription.
func (s *Session) SendAndWait(ctx context.Context, opts SendOptions, timeout time.Duration) (Event, error) {
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if _, err := s.Send(ctx, opts); err != nil {
		return Event{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var lastAssistant Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Event{}, fmt.Errorf("agentsdk: session %s destroyed while waiting", s.id)
			}
			if _, isAssistant := ev.AssistantMessageContent(); isAssistant {
				lastAssistant = ev
			}
			if ev.IsIdle() {
				return lastAssistant, nil
			}
			if ev.IsError() {
				msg, _ := ev.ErrorMessage()
				return Event{}, &Error{Code: "session_error", Err: fmt.Errorf("%s", msg)}
			}
		case <-deadline.C:
			return Event{}, &Error{Code: "timeout", Err: fmt.Errorf("send_and_wait: timed out after %s", timeout)}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// On registers handler as a fan-out subscriber. Events are delivered to
// handler in arrival order on a dedicated goroutine, one per subscriber, so
// a slow handler cannot reorder or block another subscriber's delivery.
// Ordering holds within this session only; events of different sessions
// are not ordered relative to each other.
// Calling the returned unsubscribe func removes exactly this subscriber.
func (s *Session) On(handler func(Event)) (unsubscribe func()) {
	sub := &subscriber{queue: make(chan Event, subscriberQueueSize)}
	id := s.addSubscriber(sub)

	go func() {
		for ev := range sub.queue {
			invokeSubscriberHandler(handler, ev)
		}
	}()

	return func() { s.removeSubscriber(id) }
}

// invokeSubscriberHandler runs handler with the same fault containment as
// tool/permission handlers: a panic here must never take down the fan-out
// goroutine or any other subscriber.
func invokeSubscriberHandler(handler func(Event), ev Event) {
	defer func() { _ = recover() }()
	handler(ev)
}

// Subscribe returns a channel of events in arrival order, plus an
// unsubscribe func that closes it. Callers must keep draining the channel;
// a slow reader falls behind per subscriberQueueSize's oldest-drop policy
// and observes a "subscriber.lagged" event marking the gap.
func (s *Session) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{queue: make(chan Event, subscriberQueueSize)}
	id := s.addSubscriber(sub)
	return sub.queue, func() { s.removeSubscriber(id) }
}

func (s *Session) addSubscriber(sub *subscriber) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = sub
	return id
}

func (s *Session) removeSubscriber(id uint64) {
	s.mu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.mu.Unlock()
	if ok {
		close(sub.queue)
	}
}

// dispatchEvent is the single per-session dispatch point the Client calls
// when a session.event notification arrives (or a synthetic
// connection-lost event on disconnect). Per spec.md §4.3: return
// immediately if destroyed, snapshot subscribers, fan out without letting
// one slow or faulting subscriber affect another.
func (s *Session) dispatchEvent(ev Event) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.cacheValid = false
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(ev)
	}
}

var laggedEvent = Event{Type: "subscriber.lagged"}

// enqueue delivers ev to the subscriber's queue without blocking. If the
// queue is full it drops the two oldest entries, marks the gap with a
// laggedEvent, then enqueues ev — the bounded-buffer, oldest-drop policy
// spec.md §4.3 allows as long as the subscriber is told.
func (sub *subscriber) enqueue(ev Event) {
	select {
	case sub.queue <- ev:
		return
	default:
	}

	// Make room for both the marker and ev.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.queue:
		default:
		}
	}
	select {
	case sub.queue <- laggedEvent:
	default:
	}
	select {
	case sub.queue <- ev:
	default:
	}
}

// GetMessages fetches the full server-side event history for this session
// via "session.getMessages".
func (s *Session) GetMessages(ctx context.Context) ([]Event, error) {
	params, err := json.Marshal(map[string]string{"sessionId": s.id})
	if err != nil {
		return nil, fmt.Errorf("agentsdk: marshal session.getMessages params: %w", err)
	}
	raw, err := s.client.request(ctx, "session.getMessages", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Events []Event `json:"events"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("agentsdk: decode session.getMessages result: %w", err)
		}
	}
	return result.Events, nil
}

// GetHistory returns this session's event history, like GetMessages, but
// when the Client was built with WithHistoryCache(true) it serves from a
// cached copy of the last GetMessages result instead of issuing a fresh
// "session.getMessages" round trip, invalidating that cache on every
// subsequent dispatched event. Mirrors the read-through cache the original
// Rust session store keeps; disabled by default.
func (s *Session) GetHistory(ctx context.Context) ([]Event, error) {
	if !s.historyCache {
		return s.GetMessages(ctx)
	}

	s.mu.Lock()
	if s.cacheValid {
		cached := s.cachedMessages
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	events, err := s.GetMessages(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cachedMessages = events
	s.cacheValid = true
	s.mu.Unlock()
	return events, nil
}

// Abort cancels the session's in-flight assistant turn, if any, via
// "session.abort". It does not affect other sessions.
func (s *Session) Abort(ctx context.Context) error {
	params, err := json.Marshal(map[string]string{"sessionId": s.id})
	if err != nil {
		return fmt.Errorf("agentsdk: marshal session.abort params: %w", err)
	}
	_, err = s.client.request(ctx, "session.abort", params)
	return err
}

// Destroy releases server-side resources and stops event delivery. It sets
// the destroyed flag first (blocking further dispatch) before issuing the
// session.destroy RPC, then clears every table. Idempotent.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = make(map[uint64]*subscriber)
	s.toolHandlers = make(map[string]ToolHandler)
	s.permissionHandler = nil
	s.mu.Unlock()

	for _, sub := range subs {
		close(sub.queue)
	}

	params, err := json.Marshal(map[string]string{"sessionId": s.id})
	if err != nil {
		return fmt.Errorf("agentsdk: marshal session.destroy params: %w", err)
	}
	_, err = s.client.request(ctx, "session.destroy", params)
	s.client.unregisterSession(s.id)
	return err
}

// recordToolCallMetrics records telemetry for one completed tool
// invocation, called from invokeToolHandler in tool.go.
func (s *Session) recordToolCallMetrics(toolName string, result ToolResult, start time.Time) {
	status := "ok"
	if result.ResultType == ResultFailure {
		status = "error"
	}
	s.client.metrics.ToolCallsTotal.WithLabelValues(toolName, status).Inc()
	s.client.metrics.ToolCallDuration.WithLabelValues(toolName).Observe(time.Since(start).Seconds())
}
