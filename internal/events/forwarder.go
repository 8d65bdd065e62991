package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/webchat-bff/internal/gateway"
	"github.com/openclaw/webchat-bff/internal/logging"
	"github.com/openclaw/webchat-bff/internal/metrics"
)

const (
	healthCheckInterval = 5 * time.Second
	keepaliveInterval   = 30 * time.Second
)

// Writer is implemented by the persistent SSE handler. Write is expected to
// be non-blocking from the forwarder's point of view; any underlying SSE
// flush error is returned so the forwarder can drop that one subscriber
// without affecting the others.
type Writer interface {
	Write(PushEvent) error
}

type subscription struct {
	writer Writer
}

// tokenEntry is the Forwarder's per-token bookkeeping: the subscriber set,
// the pooled client's event unsubscribe hook (nil when not currently
// attached), and the health-check/keepalive goroutine's stop signal.
type tokenEntry struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	unsubscribe func()
	client      *gateway.RpcClient
	stop        chan struct{}
	stopOnce    sync.Once
}

// Forwarder is a persistent token→{SSE subscribers} fan-out of Gateway push
// events, with health-checked re-subscription on WS drop: subscribers never
// reconnect themselves, the forwarder silently re-attaches to the pool and
// resumes streaming.
type Forwarder struct {
	pool *gateway.Pool

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

// NewForwarder constructs a Forwarder bound to pool.
func NewForwarder(pool *gateway.Pool) *Forwarder {
	return &Forwarder{
		pool:   pool,
		tokens: make(map[string]*tokenEntry),
	}
}

// Subscribe registers writer under token and returns an unsubscribe
// function. The first subscriber for a token triggers attachment to the
// pooled RpcClient and starts the health-check/keepalive loop; later
// subscribers just join the existing set.
func (f *Forwarder) Subscribe(token string, writer Writer) func() {
	f.mu.Lock()
	entry, ok := f.tokens[token]
	if !ok {
		entry = &tokenEntry{
			subscribers: make(map[*subscription]struct{}),
			stop:        make(chan struct{}),
		}
		f.tokens[token] = entry
		metrics.ForwarderTokens.Inc()
	}
	f.mu.Unlock()

	sub := &subscription{writer: writer}

	entry.mu.Lock()
	first := len(entry.subscribers) == 0
	entry.subscribers[sub] = struct{}{}
	entry.mu.Unlock()
	metrics.ForwarderSubscribers.Inc()

	if first {
		f.ensureListener(token, entry)
		go f.healthLoop(token, entry)
		go f.keepaliveLoop(entry)
	}

	return func() { f.unsubscribeOne(token, entry, sub) }
}

func (f *Forwarder) unsubscribeOne(token string, entry *tokenEntry, sub *subscription) {
	entry.mu.Lock()
	_, present := entry.subscribers[sub]
	delete(entry.subscribers, sub)
	empty := len(entry.subscribers) == 0
	var unsub func()
	if empty {
		unsub = entry.unsubscribe
		entry.unsubscribe = nil
		// Two subscribers may both observe an empty set when broadcast has
		// already dropped them on write failure; only one may close stop.
		entry.stopOnce.Do(func() { close(entry.stop) })
	}
	entry.mu.Unlock()
	// broadcast may already have dropped this subscriber on a write failure;
	// only the removal that actually found it decrements the gauge.
	if present {
		metrics.ForwarderSubscribers.Dec()
	}

	if !empty {
		return
	}
	if unsub != nil {
		unsub()
	}

	f.mu.Lock()
	if current, ok := f.tokens[token]; ok && current == entry {
		delete(f.tokens, token)
		metrics.ForwarderTokens.Dec()
	}
	f.mu.Unlock()
}

// ensureListener attaches to the token's pooled RpcClient and subscribes to
// every event. Failure is non-fatal: the health loop retries on the same
// cadence as long as at least one subscriber remains, so a transient
// Gateway outage costs the browser nothing but missed chunks.
func (f *Forwarder) ensureListener(token string, entry *tokenEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := f.pool.GetConnection(ctx, token)
	if err != nil {
		logging.L().Debug("forwarder: attach failed, will retry", zap.String("token", redact(token)), zap.Error(err))
		return
	}

	unsub := client.SubscribeEvent("*", func(eventName string, payload json.RawMessage) {
		pe, ok := translate(eventName, payload)
		if !ok {
			return
		}
		f.broadcast(entry, pe)
	})

	entry.mu.Lock()
	entry.client = client
	entry.unsubscribe = unsub
	entry.mu.Unlock()
}

func (f *Forwarder) broadcast(entry *tokenEntry, pe PushEvent) {
	entry.mu.Lock()
	subs := make([]*subscription, 0, len(entry.subscribers))
	for sub := range entry.subscribers {
		subs = append(subs, sub)
	}
	entry.mu.Unlock()

	for _, sub := range subs {
		if err := sub.writer.Write(pe); err != nil {
			logging.L().Debug("forwarder: subscriber write failed, dropping", zap.Error(err))
			entry.mu.Lock()
			_, present := entry.subscribers[sub]
			delete(entry.subscribers, sub)
			entry.mu.Unlock()
			if present {
				metrics.ForwarderSubscribers.Dec()
			}
		}
	}
}

// healthLoop runs every healthCheckInterval: if the client is nil or not
// connected, it clears the stored unsubscribe and re-attempts attachment.
func (f *Forwarder) healthLoop(token string, entry *tokenEntry) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			entry.mu.Lock()
			needsAttach := entry.client == nil || !entry.client.IsConnected()
			if needsAttach {
				entry.client = nil
				entry.unsubscribe = nil
			}
			entry.mu.Unlock()
			if needsAttach {
				f.ensureListener(token, entry)
			}
		case <-entry.stop:
			return
		}
	}
}

// keepaliveLoop emits a keepalive PushEvent to every subscriber every
// keepaliveInterval, independent of upstream activity.
func (f *Forwarder) keepaliveLoop(entry *tokenEntry) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.broadcast(entry, PushEvent{Type: "keepalive", TS: time.Now().UnixMilli()})
		case <-entry.stop:
			return
		}
	}
}

func redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
