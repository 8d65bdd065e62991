// Package events implements the persistent per-token fan-out of Gateway
// push events to subscribed SSE writers.
package events

import "encoding/json"

// PushEvent is the stable schema fanned out to browsers over the
// persistent SSE channel.
type PushEvent struct {
	Type       string `json:"type"`
	SessionKey string `json:"sessionKey,omitempty"`
	Text       string `json:"text,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Message    any    `json:"message,omitempty"`
	TS         int64  `json:"ts,omitempty"`
}

type rawAgentPayload struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
	RunID      string `json:"runId"`
	Data       struct {
		Delta *string `json:"delta"`
		Phase string  `json:"phase"`
	} `json:"data"`
}

type rawChatPayload struct {
	SessionKey string          `json:"sessionKey"`
	State      string          `json:"state"`
	Message    json.RawMessage `json:"message"`
}

// The Gateway's push event schema was inferred from observed traffic and
// may drift, so every translation rule lives in this one function: assistant
// deltas become chunks, lifecycle start/end become agent-start/agent-end,
// final chat states become message-final, and everything else is dropped.
func translate(eventName string, payload json.RawMessage) (PushEvent, bool) {
	switch eventName {
	case "agent":
		var p rawAgentPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return PushEvent{}, false
		}
		switch {
		case p.Stream == "assistant" && p.Data.Delta != nil:
			return PushEvent{Type: "chunk", SessionKey: p.SessionKey, Text: *p.Data.Delta}, true
		case p.Stream == "lifecycle" && p.Data.Phase == "start":
			return PushEvent{Type: "agent-start", SessionKey: p.SessionKey, RunID: p.RunID}, true
		case p.Stream == "lifecycle" && p.Data.Phase == "end":
			return PushEvent{Type: "agent-end", SessionKey: p.SessionKey, RunID: p.RunID}, true
		}
		return PushEvent{}, false
	case "chat":
		var p rawChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return PushEvent{}, false
		}
		if p.State != "final" {
			return PushEvent{}, false
		}
		var message any
		if len(p.Message) > 0 {
			_ = json.Unmarshal(p.Message, &message)
		} else {
			_ = json.Unmarshal(payload, &message)
		}
		return PushEvent{Type: "message-final", SessionKey: p.SessionKey, Message: message}, true
	default:
		return PushEvent{}, false
	}
}
