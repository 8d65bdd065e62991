// Package session implements the business layer (SessionManager) over the
// gateway connection pool: session CRUD, history, and message sending,
// expressed as Gateway RPC calls plus small in-memory caches.
package session

import "time"

// Session mirrors a Gateway-tracked chat session plus the process-local
// archived flag.
type Session struct {
	Key       string    `json:"key"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Archived  bool      `json:"archived"`
}

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a normalized, read-only chat message mirrored from upstream.
type Message struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey"`
	Role       Role      `json:"role"`
	Text       string    `json:"text,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// ImageAttachment is a base64-carried image attached to an outbound message.
type ImageAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Bytes    string `json:"bytes"` // base64
}

// cacheEntry is the per-session bookkeeping held in a token's local cache.
type cacheEntry struct {
	key          string
	title        string
	createdAt    time.Time
	lastActiveAt time.Time
}
