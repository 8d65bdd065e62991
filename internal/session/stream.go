package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openclaw/webchat-bff/internal/gateway"
)

// EventKind distinguishes the two StreamingSend output shapes.
type EventKind string

const (
	EventChunk EventKind = "chunk"
	EventDone  EventKind = "done"
)

// StreamEvent is one item of a SendStream sequence: either a chunk of
// assistant text or the terminal done carrying the final payload.
type StreamEvent struct {
	Kind EventKind
	Text string
	Data json.RawMessage
	Err  error
}

type rawAgentPayload struct {
	SessionKey string `json:"sessionKey"`
	Stream     string `json:"stream"`
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

// streamBuffer decouples the event callback (which runs on the RpcClient's
// read loop and must never block or touch the output channel) from the pump
// goroutine that owns the channel. The callback appends under the mutex and
// nudges notify; the pump drains in arrival order.
type streamBuffer struct {
	mu     sync.Mutex
	events []StreamEvent
	notify chan struct{}
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{notify: make(chan struct{}, 1)}
}

func (b *streamBuffer) push(ev StreamEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *streamBuffer) drain() []StreamEvent {
	b.mu.Lock()
	evs := b.events
	b.events = nil
	b.mu.Unlock()
	return evs
}

// SendStream fires chat.send while concurrently subscribing to all events,
// filtering in the callback to frames relevant to sessionKey, and yields a
// lazy, finite, non-restartable sequence of Chunk/Done events on the
// returned channel. The channel is always closed, and the event
// subscription always released, on every exit path; cancelling ctx is how
// a caller that abandons the stream without draining triggers cleanup.
func (m *Manager) SendStream(ctx context.Context, token, key, text string, images []ImageAttachment) (<-chan StreamEvent, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}

	buf := newStreamBuffer()

	// markDone settles the race between the chat-final event and the
	// chat.send RPC result: whichever arrives first enqueues the single
	// Done, the loser is a no-op.
	var once sync.Once
	markDone := func() bool {
		fired := false
		once.Do(func() { fired = true })
		return fired
	}

	unsubscribe := client.SubscribeEvent("*", func(eventName string, payload json.RawMessage) {
		switch eventName {
		case "agent":
			var p rawAgentPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			if p.SessionKey != "" && p.SessionKey != key {
				return
			}
			if p.Stream == "assistant" && p.Data.Delta != nil {
				buf.push(StreamEvent{Kind: EventChunk, Text: *p.Data.Delta})
			}
			// Lifecycle frames (phase=start/end) are informational; dropped.
		case "chat":
			var p rawChatPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return
			}
			if p.SessionKey != "" && p.SessionKey != key {
				return
			}
			if p.State == "final" && markDone() {
				data := p.Message
				if len(data) == 0 {
					data = payload
				}
				buf.push(StreamEvent{Kind: EventDone, Data: data})
			}
		}
	})

	resultCh := make(chan pendingSendResult, 1)
	go func() {
		raw, err := client.Request(ctx, "chat.send", sendParams(key, text, images))
		if err != nil && gateway.IsCode(err, gateway.CodeUnauthorized) {
			// The token is revoked upstream; drop the pooled entry so the
			// next request re-handshakes instead of reusing a dead credential.
			m.pool.CloseToken(token)
		}
		resultCh <- pendingSendResult{raw: raw, err: err}
	}()

	out := make(chan StreamEvent, 16)

	// The pump is the only goroutine that writes to or closes out, so the
	// event callback can never race the close. It terminates after yielding
	// any Done, or when the caller's ctx is cancelled.
	go func() {
		defer close(out)
		defer unsubscribe()

		for {
			for _, ev := range buf.drain() {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Kind == EventDone {
					return
				}
			}

			select {
			case <-buf.notify:
			case res := <-resultCh:
				if markDone() {
					if res.err != nil {
						buf.push(StreamEvent{Kind: EventDone, Err: res.err})
					} else {
						buf.push(StreamEvent{Kind: EventDone, Data: res.raw})
					}
				}
				// If a chat-final event won the race its Done is already in
				// the buffer; either way the next drain ends the stream.
				resultCh = nil
			case <-ctx.Done():
				return
			}
		}
	}()

	m.touch(token, key)
	return out, nil
}

type pendingSendResult struct {
	raw json.RawMessage
	err error
}
