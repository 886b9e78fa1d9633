package agentsdk

import "encoding/json"

// Event is one entry in a session's event stream. The core only reads the
// discriminator and a small subset of well-known fields (see the typed
// accessors below); everything else is forwarded to subscribers intact via
// Data.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// connectionLostEvent is synthesized by the Client for every live session
// when the transport drops, per spec.md §4.2's reconnect procedure: "mark
// every live session with a synthetic error event".
func connectionLostEvent() Event {
	data, _ := json.Marshal(map[string]string{"message": "connection lost"})
	return Event{Type: "session.error", Data: data}
}

// AssistantMessageContent reports the text of an assistant.message event's
// data.content field, if this Event is one.
func (e Event) AssistantMessageContent() (string, bool) {
	if e.Type != "assistant.message" {
		return "", false
	}
	var payload struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return "", false
	}
	return payload.Content, true
}

// IsIdle reports whether this is the session.idle terminator event that
// send-and-wait waits for.
func (e Event) IsIdle() bool {
	return e.Type == "session.idle"
}

// IsError reports whether this is a session.error event.
func (e Event) IsError() bool {
	return e.Type == "session.error"
}

// ErrorMessage reports the data.message field of a session.error event, if
// this Event is one.
func (e Event) ErrorMessage() (string, bool) {
	if e.Type != "session.error" {
		return "", false
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return "", false
	}
	return payload.Message, true
}
