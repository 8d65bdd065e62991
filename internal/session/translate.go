package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// The Gateway's session and message shapes were inferred from observed
// traffic and may drift, so every normalization rule lives in this one
// file: a schema change is a one-function edit.

// rawSession is the loosest shape sessions.list may respond with.
type rawSession struct {
	SessionKey string `json:"sessionKey"`
	Key        string `json:"key"`
	Title      string `json:"title"`
	Label      string `json:"label"`
	CreatedAt  string `json:"createdAt"`
	UpdatedAt  string `json:"updatedAt"`
}

type rawSessionsEnvelope struct {
	Sessions []rawSession `json:"sessions"`
}

// normalizeSessions accepts either a bare array or { sessions: [...] }.
func normalizeSessions(raw json.RawMessage) ([]Session, error) {
	var list []rawSession
	if err := json.Unmarshal(raw, &list); err != nil {
		var envelope rawSessionsEnvelope
		if err2 := json.Unmarshal(raw, &envelope); err2 != nil {
			return nil, fmt.Errorf("sessions.list: unrecognized response shape: %w", err)
		}
		list = envelope.Sessions
	}

	now := time.Now()
	out := make([]Session, 0, len(list))
	for _, r := range list {
		key := r.SessionKey
		if key == "" {
			key = r.Key
		}
		title := r.Title
		if title == "" {
			title = r.Label
		}
		out = append(out, Session{
			Key:       key,
			Title:     title,
			CreatedAt: parseISOOrNow(r.CreatedAt, now),
			UpdatedAt: parseISOOrNow(r.UpdatedAt, now),
		})
	}
	return out, nil
}

// rawContentBlock is one entry of a message's content array.
type rawContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// rawMessage is the loosest shape a single history message may take.
type rawMessage struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Content   json.RawMessage `json:"content"`
	CreatedAt string          `json:"createdAt"`
}

type rawMessagesEnvelope struct {
	Messages []rawMessage `json:"messages"`
}

// normalizeMessages accepts either a bare array or { messages: [...] }.
func normalizeMessages(raw json.RawMessage, sessionKey string) ([]Message, error) {
	var list []rawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		var envelope rawMessagesEnvelope
		if err2 := json.Unmarshal(raw, &envelope); err2 != nil {
			return nil, fmt.Errorf("chat.history: unrecognized response shape: %w", err)
		}
		list = envelope.Messages
	}

	now := time.Now()
	out := make([]Message, 0, len(list))
	for i, r := range list {
		role := normalizeRole(r.Role)
		text := r.Text
		if text == "" {
			text = joinTextBlocks(r.Content)
		}
		id := r.ID
		createdAt := parseISOOrNow(r.CreatedAt, now)
		if id == "" {
			id = fmt.Sprintf("%s-%d-%d", sessionKey, i, createdAt.UnixMilli())
		}
		out = append(out, Message{
			ID:         id,
			SessionKey: sessionKey,
			Role:       role,
			Text:       text,
			CreatedAt:  createdAt,
		})
	}
	return out, nil
}

func normalizeRole(raw string) Role {
	switch Role(raw) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(raw)
	default:
		return RoleAssistant
	}
}

func joinTextBlocks(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseISOOrNow(s string, now time.Time) time.Time {
	if s == "" {
		return now
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return now
}
