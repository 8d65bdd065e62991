package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/webchat-bff/internal/gateway"
)

// mockSessionGateway is a small scripted Gateway double: it accepts the
// connect handshake, then dispatches every subsequent request to reply by
// method name via the onRequest callback.
type mockSessionGateway struct {
	srv       *httptest.Server
	onRequest func(conn *websocket.Conn, method string, id string, params json.RawMessage)
	connects  int32
}

func newMockSessionGateway(t *testing.T, onRequest func(conn *websocket.Conn, method, id string, params json.RawMessage)) *mockSessionGateway {
	t.Helper()
	mg := &mockSessionGateway{onRequest: onRequest}
	upgrader := websocket.Upgrader{}

	mg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Type   string          `json:"type"`
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Method == "connect" {
				atomic.AddInt32(&mg.connects, 1)
				conn.WriteJSON(map[string]any{"type": "res", "id": frame.ID, "result": map[string]any{}})
				continue
			}
			if mg.onRequest != nil {
				mg.onRequest(conn, frame.Method, frame.ID, frame.Params)
			}
		}
	}))
	t.Cleanup(mg.srv.Close)
	return mg
}

func (mg *mockSessionGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(mg.srv.URL, "http")
}

func newTestPool(url string) *gateway.Pool {
	return gateway.NewPool(gateway.Options{
		URL:              url,
		ConnectTimeout:   2 * time.Second,
		RequestTimeout:   2 * time.Second,
		ClientID:         "openclaw-control-ui",
		ClientVersion:    "test",
		ClientInstanceID: "test",
		TLSVerify:        true,
	})
}

func TestManagerListOverlaysArchiveFlag(t *testing.T) {
	mg := newMockSessionGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method == "sessions.list" {
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": []map[string]any{
				{"sessionKey": "s1", "title": "Remote Title"},
			}})
		}
	})
	mgr := NewManager(newTestPool(mg.wsURL()), 0)
	mgr.Archive("tok", "s1")

	out, err := mgr.List(context.Background(), "tok")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 || !out[0].Archived {
		t.Fatalf("expected archived overlay applied, got %+v", out)
	}
}

func TestManagerCreateRenameClose(t *testing.T) {
	var renamed string
	mg := newMockSessionGateway(t, func(conn *websocket.Conn, method, id string, params json.RawMessage) {
		switch method {
		case "sessions.reset", "sessions.delete":
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{}})
		case "sessions.patch":
			var p struct {
				Key   string `json:"key"`
				Label string `json:"label"`
			}
			json.Unmarshal(params, &p)
			renamed = p.Label
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{}})
		}
	})
	mgr := NewManager(newTestPool(mg.wsURL()), 0)

	sess, err := mgr.Create(context.Background(), "tok", "My Chat")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Key == "" {
		t.Fatal("expected a generated session key")
	}

	if err := mgr.Rename(context.Background(), "tok", sess.Key, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if renamed != "Renamed" {
		t.Fatalf("expected upstream to receive the new title, got %q", renamed)
	}

	if err := mgr.Close(context.Background(), "tok", sess.Key); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mgr.IsArchived("tok", sess.Key) {
		t.Fatal("expected archive flag cleared after Close")
	}
}

func TestManagerArchiveUnarchiveLocalOnly(t *testing.T) {
	mgr := NewManager(newTestPool("ws://unused.invalid"), 0)
	mgr.Archive("tok", "s1")
	if !mgr.IsArchived("tok", "s1") {
		t.Fatal("expected s1 to be archived")
	}
	mgr.Unarchive("tok", "s1")
	if mgr.IsArchived("tok", "s1") {
		t.Fatal("expected s1 to no longer be archived")
	}
}

// TestUnauthorizedRPCInvalidatesPoolEntry covers the token-expiry-mid-session
// behavior: an UNAUTHORIZED response body drops the pooled connection, so the
// next request performs a fresh connect handshake.
func TestUnauthorizedRPCInvalidatesPoolEntry(t *testing.T) {
	mg := newMockSessionGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method == "sessions.list" {
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "error": map[string]any{
				"code": "UNAUTHORIZED", "message": "token expired",
			}})
		}
	})
	mgr := NewManager(newTestPool(mg.wsURL()), 0)

	_, err := mgr.List(context.Background(), "tok")
	if !gateway.IsCode(err, gateway.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	_, err = mgr.List(context.Background(), "tok")
	if !gateway.IsCode(err, gateway.CodeUnauthorized) {
		t.Fatalf("expected UNAUTHORIZED on retry, got %v", err)
	}
	if got := atomic.LoadInt32(&mg.connects); got != 2 {
		t.Fatalf("expected the second request to re-handshake (2 connects), got %d", got)
	}
}

func TestManagerDeleteManyClearsLocalState(t *testing.T) {
	var deleted []string
	mg := newMockSessionGateway(t, func(conn *websocket.Conn, method, id string, params json.RawMessage) {
		if method == "sessions.deleteMany" {
			var p struct {
				Keys []string `json:"keys"`
			}
			json.Unmarshal(params, &p)
			deleted = p.Keys
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{}})
		}
	})
	mgr := NewManager(newTestPool(mg.wsURL()), 0)
	mgr.Archive("tok", "s1")
	mgr.Archive("tok", "s2")

	if err := mgr.DeleteMany(context.Background(), "tok", []string{"s1", "s2"}); err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("expected upstream to receive both keys, got %v", deleted)
	}
	if mgr.IsArchived("tok", "s1") || mgr.IsArchived("tok", "s2") {
		t.Fatal("expected archive flags cleared for deleted sessions")
	}
}

// TestSendStreamHappyPath exercises the streaming scenario: assistant chunks
// arrive over the event subscription, then the chat-final event marks Done
// before the chat.send RPC result arrives, and the RPC result's own Done is
// suppressed by the sync.Once dedup.
func TestSendStreamHappyPath(t *testing.T) {
	mg := newMockSessionGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method != "chat.send" {
			return
		}
		go func() {
			conn.WriteJSON(map[string]any{
				"type": "event", "event": "agent",
				"payload": map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "Hel"}},
			})
			conn.WriteJSON(map[string]any{
				"type": "event", "event": "agent",
				"payload": map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "lo"}},
			})
			conn.WriteJSON(map[string]any{
				"type": "event", "event": "chat",
				"payload": map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{"role": "assistant", "content": "Hello"}},
			})
			time.Sleep(50 * time.Millisecond)
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{"ok": true}})
		}()
	})
	mgr := NewManager(newTestPool(mg.wsURL()), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := mgr.SendStream(ctx, "tok", "s1", "hi", nil)
	if err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	var chunks []string
	var doneCount int
	for ev := range ch {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		switch ev.Kind {
		case EventChunk:
			chunks = append(chunks, ev.Text)
		case EventDone:
			doneCount++
		}
	}

	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Fatalf("expected two ordered chunks, got %+v", chunks)
	}
	if doneCount != 1 {
		t.Fatalf("expected exactly one Done event due to the sync.Once dedup, got %d", doneCount)
	}
}
