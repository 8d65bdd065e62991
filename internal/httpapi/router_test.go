package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openclaw/webchat-bff/internal/config"
	"github.com/openclaw/webchat-bff/internal/events"
	"github.com/openclaw/webchat-bff/internal/gateway"
	"github.com/openclaw/webchat-bff/internal/session"
)

// mockGateway is a scripted upstream Gateway double for surface-level tests:
// it rejects the WS upgrade outright for token "bad", accepts the connect
// handshake for anything else, and hands every later request to onRequest.
type mockGateway struct {
	srv       *httptest.Server
	onRequest func(conn *websocket.Conn, method, id string, params json.RawMessage)

	connects int32
	requests map[string]*int32
	mu       sync.Mutex
}

func newMockGateway(t *testing.T, onRequest func(conn *websocket.Conn, method, id string, params json.RawMessage)) *mockGateway {
	t.Helper()
	mg := &mockGateway{onRequest: onRequest, requests: make(map[string]*int32)}
	upgrader := websocket.Upgrader{}

	mg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "bad" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
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
			mg.countRequest(frame.Method)
			if mg.onRequest != nil {
				mg.onRequest(conn, frame.Method, frame.ID, frame.Params)
			}
		}
	}))
	t.Cleanup(mg.srv.Close)
	return mg
}

func (mg *mockGateway) countRequest(method string) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.requests[method] == nil {
		mg.requests[method] = new(int32)
	}
	atomic.AddInt32(mg.requests[method], 1)
}

func (mg *mockGateway) requestCount(method string) int32 {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.requests[method] == nil {
		return 0
	}
	return atomic.LoadInt32(mg.requests[method])
}

func (mg *mockGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(mg.srv.URL, "http")
}

func newTestServer(t *testing.T, mg *mockGateway, streamingEnabled bool) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := gateway.NewPool(gateway.Options{
		URL:              mg.wsURL(),
		ConnectTimeout:   2 * time.Second,
		RequestTimeout:   2 * time.Second,
		ClientID:         "openclaw-control-ui",
		ClientVersion:    "test",
		ClientInstanceID: "test",
		TLSVerify:        true,
	})
	t.Cleanup(pool.CloseAll)

	sessions := session.NewManager(pool, 0)
	forwarder := events.NewForwarder(pool)

	cfg := &config.Config{
		CORS: config.CORSConfig{AllowOrigins: []string{"http://localhost:3000"}},
	}
	h := NewHandlers(sessions, pool, forwarder, streamingEnabled, mg.wsURL())
	router := NewRouter(cfg, zap.NewNop(), h)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestVerifyTokenSuccess(t *testing.T) {
	mg := newMockGateway(t, nil)
	srv := newTestServer(t, mg, true)

	resp, err := http.Post(srv.URL+"/api/auth/verify", "application/json",
		strings.NewReader(`{"token":"good"}`))
	if err != nil {
		t.Fatalf("POST /api/auth/verify: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if !env.OK || !bytes.Contains(env.Data, []byte(`"verified":true`)) {
		t.Fatalf("unexpected body: %+v", env)
	}
}

func TestVerifyTokenInvalid(t *testing.T) {
	mg := newMockGateway(t, nil)
	srv := newTestServer(t, mg, true)

	resp, err := http.Post(srv.URL+"/api/auth/verify", "application/json",
		strings.NewReader(`{"token":"bad"}`))
	if err != nil {
		t.Fatalf("POST /api/auth/verify: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.OK || env.Error == nil || env.Error.Code != "INVALID_TOKEN" {
		t.Fatalf("expected INVALID_TOKEN error, got %+v", env)
	}
}

func TestMissingBearerToken(t *testing.T) {
	mg := newMockGateway(t, nil)
	srv := newTestServer(t, mg, true)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %+v", env)
	}
}

// TestConcurrentSessionLists checks that ten simultaneous list requests on
// one bearer token share a single connect handshake.
func TestConcurrentSessionLists(t *testing.T) {
	mg := newMockGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method == "sessions.list" {
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": []any{}})
		}
	})
	srv := newTestServer(t, mg, true)

	const n = 10
	var wg sync.WaitGroup
	statuses := make([]int, n)
	oks := make([]bool, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			req.Header.Set("Authorization", "Bearer shared-token")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return
			}
			var env envelope
			_ = json.NewDecoder(resp.Body).Decode(&env)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
			oks[i] = env.OK
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if statuses[i] != http.StatusOK || !oks[i] {
			t.Fatalf("request %d: status=%d ok=%v", i, statuses[i], oks[i])
		}
	}
	if got := atomic.LoadInt32(&mg.connects); got != 1 {
		t.Fatalf("expected exactly one connect handshake, got %d", got)
	}
	if got := mg.requestCount("sessions.list"); got != n {
		t.Fatalf("expected %d sessions.list frames, got %d", n, got)
	}
}

func multipartText(t *testing.T, text string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("text", text); err != nil {
		t.Fatalf("write field: %v", err)
	}
	w.Close()
	return &body, w.FormDataContentType()
}

// TestStreamingHappyPath checks that the stream endpoint relays status, the
// pushed chunks in order, and a single done frame.
func TestStreamingHappyPath(t *testing.T) {
	mg := newMockGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method != "chat.send" {
			return
		}
		go func() {
			conn.WriteJSON(map[string]any{"type": "event", "event": "agent",
				"payload": map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "Hel"}}})
			conn.WriteJSON(map[string]any{"type": "event", "event": "agent",
				"payload": map[string]any{"sessionKey": "s1", "stream": "assistant", "data": map[string]any{"delta": "lo"}}})
			conn.WriteJSON(map[string]any{"type": "event", "event": "chat",
				"payload": map[string]any{"sessionKey": "s1", "state": "final", "message": map[string]any{"role": "assistant", "content": "Hello"}}})
			time.Sleep(50 * time.Millisecond)
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{"ok": true}})
		}()
	})
	srv := newTestServer(t, mg, true)

	body, contentType := multipartText(t, "Hi")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/s1/messages/stream", body)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read SSE body: %v", err)
	}

	var types []string
	var chunks []string
	for _, line := range strings.Split(string(raw), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		types = append(types, frame.Type)
		if frame.Type == "chunk" {
			chunks = append(chunks, frame.Text)
		}
	}

	want := []string{"status", "chunk", "chunk", "done"}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected SSE frames %v, got %v", want, types)
	}
	if chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Fatalf("expected ordered chunks Hel/lo, got %v", chunks)
	}
}

func TestStreamingDisabledReturns503(t *testing.T) {
	mg := newMockGateway(t, nil)
	srv := newTestServer(t, mg, false)

	body, contentType := multipartText(t, "Hi")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/sessions/s1/messages/stream", body)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST stream: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error == nil || env.Error.Code != "STREAMING_DISABLED" {
		t.Fatalf("expected STREAMING_DISABLED, got %+v", env)
	}
}

// TestUpstreamUnauthorizedSurfacesAs401 is the token-expiry scenario: an
// UNAUTHORIZED RPC error body maps to HTTP 401 with the same code, never a
// synonym.
func TestUpstreamUnauthorizedSurfacesAs401(t *testing.T) {
	mg := newMockGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method == "sessions.list" {
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "error": map[string]any{
				"code": "UNAUTHORIZED", "message": "token expired",
			}})
		}
	})
	srv := newTestServer(t, mg, true)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/sessions: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if env.Error == nil || env.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED code, got %+v", env)
	}
}

func TestPatchSessionArchiveAndTitle(t *testing.T) {
	mg := newMockGateway(t, func(conn *websocket.Conn, method, id string, _ json.RawMessage) {
		if method == "sessions.patch" {
			conn.WriteJSON(map[string]any{"type": "res", "id": id, "result": map[string]any{}})
		}
	})
	srv := newTestServer(t, mg, true)

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/s1",
		strings.NewReader(`{"archived":true,"title":"Renamed"}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH /api/sessions/s1: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	env := decodeEnvelope(t, resp)
	if !bytes.Contains(env.Data, []byte(`"archived":true`)) || !bytes.Contains(env.Data, []byte(`"title":"Renamed"`)) {
		t.Fatalf("expected merged patch result, got %s", env.Data)
	}

	// Either field alone must also be accepted.
	req, _ = http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/s1",
		strings.NewReader(`{"archived":false}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH archived-only: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for archived-only patch, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Neither field is a bad request.
	req, _ = http.NewRequest(http.MethodPatch, srv.URL+"/api/sessions/s1", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH empty: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty patch, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	mg := newMockGateway(t, nil)
	srv := newTestServer(t, mg, true)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Gateway string `json:"gateway"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service == "" || body.Gateway == "" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
