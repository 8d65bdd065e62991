package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/openclaw/webchat-bff/internal/metrics"
)

// poolTTL is the maximum age of a pool entry before it is invalidated on
// next acquisition.
const poolTTL = 5 * time.Minute

// poolEntry is the Pool's unit of bookkeeping per token: the RpcClient plus
// its creation time and a future signalling handshake completion. done is
// closed exactly once by the goroutine that ran Connect; err is written
// before the close, so every waiter observes it safely after done fires.
type poolEntry struct {
	client    *RpcClient
	createdAt time.Time
	done      chan struct{}
	err       error
}

// Pool maintains one RpcClient per bearer token, shares a single in-flight
// handshake across concurrent callers, and invalidates entries on TTL
// expiry, close, or connect failure. N concurrent GetConnection calls for
// the same fresh token open exactly one WebSocket and send exactly one
// connect request.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*poolEntry
	baseOpts Options
}

// NewPool constructs a Pool. opts supplies the base dial options; Token is
// filled in per token and ReconnectMaxRetries is forced to 0: pooled
// clients never reconnect on their own, the pool re-creates entries on
// demand instead.
func NewPool(opts Options) *Pool {
	base := opts
	base.ReconnectMaxRetries = 0
	return &Pool{
		entries:  make(map[string]*poolEntry),
		baseOpts: base,
	}
}

func (p *Pool) dial(token string) *RpcClient {
	o := p.baseOpts
	o.Token = token
	return NewRpcClient(o)
}

// GetConnection returns the live pooled client for token, creating one if
// needed. A fresh entry is stored before its handshake is awaited so
// concurrent callers for the same token observe and share the same
// in-flight handshake.
func (p *Pool) GetConnection(ctx context.Context, token string) (*RpcClient, error) {
	for {
		p.mu.Lock()
		entry, ok := p.entries[token]
		if ok && time.Since(entry.createdAt) >= poolTTL {
			delete(p.entries, token)
			metrics.PoolConnections.Dec()
			ok = false
			entry.client.Close()
		}
		if ok {
			p.mu.Unlock()
			if err := p.awaitHandshake(ctx, entry); err != nil {
				return nil, err
			}
			if entry.client.IsConnected() {
				return entry.client, nil
			}
			p.invalidate(token, entry)
			continue
		}

		entry = &poolEntry{
			client:    p.dial(token),
			createdAt: time.Now(),
			done:      make(chan struct{}),
		}
		p.entries[token] = entry
		p.mu.Unlock()

		// The gauge counts pooled-or-pooling entries, so Inc pairs with the
		// map insert above and every removal path Decs exactly once.
		metrics.PoolConnections.Inc()
		metrics.PoolHandshakes.Inc()
		go func() {
			entry.err = entry.client.Connect(context.Background())
			close(entry.done)
		}()

		if err := p.awaitHandshake(ctx, entry); err != nil {
			p.invalidate(token, entry)
			return nil, err
		}
		return entry.client, nil
	}
}

func (p *Pool) awaitHandshake(ctx context.Context, entry *poolEntry) error {
	select {
	case <-entry.done:
		return entry.err
	case <-ctx.Done():
		return errConnectFailed("connection acquisition cancelled: " + ctx.Err().Error())
	}
}

func (p *Pool) invalidate(token string, entry *poolEntry) {
	p.mu.Lock()
	if current, ok := p.entries[token]; ok && current == entry {
		delete(p.entries, token)
		metrics.PoolConnections.Dec()
	}
	p.mu.Unlock()
	entry.client.Close()
}

// CloseToken closes and drops the pool entry for token, if any.
func (p *Pool) CloseToken(token string) {
	p.mu.Lock()
	entry, ok := p.entries[token]
	if ok {
		delete(p.entries, token)
		metrics.PoolConnections.Dec()
	}
	p.mu.Unlock()
	if ok {
		entry.client.Close()
	}
}

// CloseAll closes every pooled client and clears the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()
	for _, entry := range entries {
		metrics.PoolConnections.Dec()
		entry.client.Close()
	}
}

// Status reports the pool entry state for a token, for the supplemented
// /api/gateway/status endpoint.
type Status struct {
	State       string
	Present     bool
	IsConnected bool
	LastPongAt  time.Time
}

// StatusFor returns a read-only projection of the pool entry for token.
func (p *Pool) StatusFor(token string) Status {
	p.mu.Lock()
	entry, ok := p.entries[token]
	p.mu.Unlock()
	if !ok {
		return Status{State: "absent"}
	}
	state := string(entry.client.State())
	return Status{
		State:       state,
		Present:     true,
		IsConnected: entry.client.IsConnected(),
		LastPongAt:  entry.client.LastPongAt(),
	}
}

// VerifyToken performs a one-shot token check: a non-pooled RpcClient with
// heartbeat and reconnect disabled attempts the handshake. Returns true on
// success, false specifically on an UNAUTHORIZED classification, and
// propagates any other error.
func (p *Pool) VerifyToken(ctx context.Context, token string) (bool, error) {
	o := p.baseOpts
	o.Token = token
	o.HeartbeatInterval = 0
	o.ReconnectMaxRetries = 0
	client := NewRpcClient(o)
	defer client.Close()

	err := client.Connect(ctx)
	if err == nil {
		return true, nil
	}
	if IsCode(err, CodeUnauthorized) {
		return false, nil
	}
	return false, err
}
