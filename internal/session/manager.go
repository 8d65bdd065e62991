package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/webchat-bff/internal/gateway"
)

// tokenState holds the per-token local caches: sessions seen by this
// process and the process-local archive set. Protected by its own mutex so
// cross-token operations never serialize against each other.
type tokenState struct {
	mu       sync.Mutex
	sessions map[string]*cacheEntry
	archived map[string]bool
}

func newTokenState() *tokenState {
	return &tokenState{
		sessions: make(map[string]*cacheEntry),
		archived: make(map[string]bool),
	}
}

// Manager is the business layer over the connection pool: it expresses
// session and chat operations as Gateway RPC calls and overlays small
// in-memory per-token caches. Nothing here persists; the Gateway owns the
// data and the archive flag dies with the process.
type Manager struct {
	pool *gateway.Pool

	mu     sync.Mutex
	tokens map[string]*tokenState

	idleThreshold time.Duration
	gcStop        chan struct{}
	gcOnce        sync.Once
}

// NewManager constructs a Manager bound to pool. idleThreshold sets how
// long a cached session may stay untouched before the gcIdle sweep drops it.
func NewManager(pool *gateway.Pool, idleThreshold time.Duration) *Manager {
	if idleThreshold <= 0 {
		idleThreshold = 30 * time.Minute
	}
	return &Manager{
		pool:          pool,
		tokens:        make(map[string]*tokenState),
		idleThreshold: idleThreshold,
		gcStop:        make(chan struct{}),
	}
}

func (m *Manager) stateFor(token string) *tokenState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tokens[token]
	if !ok {
		ts = newTokenState()
		m.tokens[token] = ts
	}
	return ts
}

// StartGC runs the gcIdle sweep every interval until StopGC is called.
func (m *Manager) StartGC(interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.gcIdle()
			case <-m.gcStop:
				return
			}
		}
	}()
}

// StopGC stops the periodic gcIdle sweep. Safe to call once.
func (m *Manager) StopGC() {
	m.gcOnce.Do(func() { close(m.gcStop) })
}

func (m *Manager) gcIdle() {
	cutoff := time.Now().Add(-m.idleThreshold)
	m.mu.Lock()
	states := make([]*tokenState, 0, len(m.tokens))
	for _, ts := range m.tokens {
		states = append(states, ts)
	}
	m.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
		for key, entry := range ts.sessions {
			if entry.lastActiveAt.Before(cutoff) {
				delete(ts.sessions, key)
			}
		}
		ts.mu.Unlock()
	}
}

// request acquires the token's pooled connection and performs one RPC. A
// response classified UNAUTHORIZED invalidates the pool entry so the next
// call re-handshakes (and itself fails if the token is truly revoked),
// instead of reusing a connection the Gateway no longer trusts.
func (m *Manager) request(ctx context.Context, token, method string, params any) (json.RawMessage, error) {
	client, err := m.pool.GetConnection(ctx, token)
	if err != nil {
		return nil, err
	}
	raw, err := client.Request(ctx, method, params)
	if err != nil && gateway.IsCode(err, gateway.CodeUnauthorized) {
		m.pool.CloseToken(token)
	}
	return raw, err
}

// List returns every session known for token, normalized and overlaid with
// the local archive flag.
func (m *Manager) List(ctx context.Context, token string) ([]Session, error) {
	raw, err := m.request(ctx, token, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	sessions, err := normalizeSessions(raw)
	if err != nil {
		return nil, err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range sessions {
		sessions[i].Archived = ts.archived[sessions[i].Key]
		if cached, ok := ts.sessions[sessions[i].Key]; ok && cached.title != "" {
			sessions[i].Title = cached.title
		}
	}
	return sessions, nil
}

// Create opens a new session via sessions.reset with a freshly generated key.
func (m *Manager) Create(ctx context.Context, token string, title string) (Session, error) {
	key := fmt.Sprintf("webchat-%d", time.Now().UnixMilli())
	if _, err := m.request(ctx, token, "sessions.reset", map[string]any{"key": key}); err != nil {
		return Session{}, err
	}

	now := time.Now()
	sess := Session{Key: key, Title: title, CreatedAt: now, UpdatedAt: now}

	ts := m.stateFor(token)
	ts.mu.Lock()
	ts.sessions[key] = &cacheEntry{key: key, title: title, createdAt: now, lastActiveAt: now}
	ts.mu.Unlock()

	return sess, nil
}

// History returns the normalized message list for a session.
func (m *Manager) History(ctx context.Context, token, key string) ([]Message, error) {
	raw, err := m.request(ctx, token, "chat.history", map[string]any{"sessionKey": key, "limit": 200})
	if err != nil {
		return nil, err
	}
	messages, err := normalizeMessages(raw, key)
	if err != nil {
		return nil, err
	}

	m.touch(token, key)
	return messages, nil
}

// sendParams builds the chat.send RPC params shared by Send and SendStream.
func sendParams(key, text string, images []ImageAttachment) map[string]any {
	attachments := make([]map[string]any, 0, len(images))
	for _, img := range images {
		attachments = append(attachments, map[string]any{
			"name":     img.Name,
			"mimeType": img.MimeType,
			"bytes":    img.Bytes,
		})
	}
	return map[string]any{
		"sessionKey":     key,
		"message":        text,
		"deliver":        true,
		"idempotencyKey": uuid.NewString(),
		"attachments":    attachments,
	}
}

// Send blocks until the Gateway's chat.send RPC resolves.
func (m *Manager) Send(ctx context.Context, token, key, text string, images []ImageAttachment) error {
	if _, err := m.request(ctx, token, "chat.send", sendParams(key, text, images)); err != nil {
		return err
	}
	m.touch(token, key)
	return nil
}

// Rename issues sessions.patch with the new title and updates the local cache.
func (m *Manager) Rename(ctx context.Context, token, key, title string) error {
	if _, err := m.request(ctx, token, "sessions.patch", map[string]any{"key": key, "label": title}); err != nil {
		return err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	if entry, ok := ts.sessions[key]; ok {
		entry.title = title
	} else {
		ts.sessions[key] = &cacheEntry{key: key, title: title, lastActiveAt: time.Now()}
	}
	ts.mu.Unlock()
	return nil
}

// Archive and Unarchive mutate only the in-memory per-token archive set;
// no Gateway RPC is involved and the flag does not survive a restart.
func (m *Manager) Archive(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	ts.archived[key] = true
	ts.mu.Unlock()
}

func (m *Manager) Unarchive(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	delete(ts.archived, key)
	ts.mu.Unlock()
}

// IsArchived reports the current local archive flag for key.
func (m *Manager) IsArchived(token, key string) bool {
	ts := m.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.archived[key]
}

// Close issues sessions.delete and clears all local cache state for key.
func (m *Manager) Close(ctx context.Context, token, key string) error {
	if _, err := m.request(ctx, token, "sessions.delete", map[string]any{"key": key}); err != nil {
		return err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	delete(ts.sessions, key)
	delete(ts.archived, key)
	ts.mu.Unlock()
	return nil
}

// DeleteMany issues sessions.deleteMany and clears local caches for each key.
func (m *Manager) DeleteMany(ctx context.Context, token string, keys []string) error {
	if _, err := m.request(ctx, token, "sessions.deleteMany", map[string]any{"keys": keys}); err != nil {
		return err
	}

	ts := m.stateFor(token)
	ts.mu.Lock()
	for _, key := range keys {
		delete(ts.sessions, key)
		delete(ts.archived, key)
	}
	ts.mu.Unlock()
	return nil
}

func (m *Manager) touch(token, key string) {
	ts := m.stateFor(token)
	ts.mu.Lock()
	now := time.Now()
	if entry, ok := ts.sessions[key]; ok {
		entry.lastActiveAt = now
	} else {
		ts.sessions[key] = &cacheEntry{key: key, createdAt: now, lastActiveAt: now}
	}
	ts.mu.Unlock()
}
