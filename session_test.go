package agentsdk

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agent-sdk/agentsdk-go/internal/rpc"
)

func TestSession_SendAndWait_IdleTerminatesWithLastAssistantMessage(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		case "session.send":
			return json.Marshal(map[string]any{"messageId": "m1"})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})
	c := newTestClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		sendSessionEvent(t, engine, "sess-1", Event{Type: "assistant.message", Data: mustMarshal(t, map[string]string{"content": "first"})})
		sendSessionEvent(t, engine, "sess-1", Event{Type: "assistant.message", Data: mustMarshal(t, map[string]string{"content": "final"})})
		sendSessionEvent(t, engine, "sess-1", Event{Type: "session.idle"})
	}()

	ev, err := session.SendAndWait(ctx, SendOptions{Prompt: "hi"}, time.Second)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	content, ok := ev.AssistantMessageContent()
	if !ok || content != "final" {
		t.Fatalf("got content %q, ok=%v, want final", content, ok)
	}
}

func TestSession_SendAndWait_ErrorEventReturnsError(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		case "session.send":
			return json.Marshal(map[string]any{"messageId": "m1"})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})
	c := newTestClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		sendSessionEvent(t, engine, "sess-1", Event{Type: "session.error", Data: mustMarshal(t, map[string]string{"message": "went wrong"})})
	}()

	_, err = session.SendAndWait(ctx, SendOptions{Prompt: "hi"}, time.Second)
	if err == nil {
		t.Fatal("expected error from session.error event")
	}
}

func TestSession_SendAndWait_TimesOut(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		case "session.send":
			return json.Marshal(map[string]any{"messageId": "m1"})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})
	c := newTestClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err = session.SendAndWait(ctx, SendOptions{Prompt: "hi"}, 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestSession_OnAndUnsubscribe(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})
	c := newTestClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	received := make(chan Event, 4)
	unsubscribe := session.On(func(ev Event) { received <- ev })

	sendSessionEvent(t, engine, "sess-1", Event{Type: "session.idle"})
	select {
	case ev := <-received:
		if !ev.IsIdle() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	unsubscribe()
	sendSessionEvent(t, engine, "sess-1", Event{Type: "session.idle"})
	select {
	case ev := <-received:
		t.Fatalf("received event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_DestroyIsIdempotentAndClosesSubscriptions(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	var destroyCalls int
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		case "session.destroy":
			destroyCalls++
			return json.RawMessage(`{}`), nil
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})
	c := newTestClient(t, fs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events, _ := session.Subscribe()

	if err := session.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := <-events; ok {
		t.Fatal("expected subscription channel closed after Destroy")
	}
	if err := session.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if destroyCalls != 1 {
		t.Fatalf("session.destroy RPC called %d times, want 1", destroyCalls)
	}
}

func TestSession_GetHistoryCachesWhenEnabled(t *testing.T) {
	fs := newFakeServer(t)
	engine := fs.waitForEngine(t)
	var getMessagesCalls int
	engine.SetRequestHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		case "session.getMessages":
			getMessagesCalls++
			return json.Marshal(map[string]any{"events": []Event{{Type: "session.idle"}}})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})

	c, err := NewClient(WithServerAddr(fs.addr()), WithSpawnTimeout(2*time.Second), WithHistoryCache(true))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.ForceStop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := session.GetHistory(ctx); err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if _, err := session.GetHistory(ctx); err != nil {
		t.Fatalf("GetHistory (cached): %v", err)
	}
	if getMessagesCalls != 1 {
		t.Fatalf("session.getMessages called %d times, want 1 (cache hit on second call)", getMessagesCalls)
	}

	sendSessionEvent(t, engine, "sess-1", Event{Type: "session.idle"})
	time.Sleep(20 * time.Millisecond)

	if _, err := session.GetHistory(ctx); err != nil {
		t.Fatalf("GetHistory after invalidation: %v", err)
	}
	if getMessagesCalls != 2 {
		t.Fatalf("session.getMessages called %d times after event, want 2 (cache invalidated)", getMessagesCalls)
	}
}

func TestClient_HandleDisconnect_ReconnectsOnceAndDeliversConnectionLost(t *testing.T) {
	fs := newFakeServer(t)

	fs.setPersistentHandler(func(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, *rpc.Error) {
		switch method {
		case "ping":
			return json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
		case "session.create":
			return json.Marshal(map[string]any{"sessionId": "sess-1"})
		default:
			return nil, &rpc.Error{Code: rpc.CodeMethodNotFound, Message: method}
		}
	})

	engine1 := fs.waitForEngine(t)

	c, err := NewClient(WithServerAddr(fs.addr()), WithSpawnTimeout(2*time.Second), WithAutoRestart(true))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.ForceStop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session, err := c.CreateSession(ctx, SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	events, _ := session.Subscribe()

	fs.closeConnection(t)
	fs.waitForNextEngine(t, engine1)

	select {
	case ev := <-events:
		if !ev.IsError() {
			t.Fatalf("expected connectionLostEvent, got %+v", ev)
		}
		msg, ok := ev.ErrorMessage()
		if !ok || msg != "connection lost" {
			t.Fatalf("unexpected error event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connectionLostEvent")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("client never reconnected, state = %s", c.State())
		}
		time.Sleep(time.Millisecond)
	}

	if got := fs.acceptCount.Load(); got != 2 {
		t.Fatalf("fake server accepted %d connections, want exactly 2 (initial + one reconnect)", got)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event after reconnect: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendSessionEvent(t *testing.T, engine *rpc.Engine, sessionID string, ev Event) {
	t.Helper()
	evData, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	params, err := json.Marshal(map[string]any{"sessionId": sessionID, "event": json.RawMessage(evData)})
	if err != nil {
		t.Fatalf("marshal notification params: %v", err)
	}
	if err := engine.Notify("session.event", params); err != nil {
		t.Fatalf("notify: %v", err)
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
