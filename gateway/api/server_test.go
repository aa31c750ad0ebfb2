package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/gateway/router"
	"github.com/lisa-ai/lisa/gateway/store"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

const testSecret = "api-test-secret-at-least-32-chars-long"

type testEnv struct {
	srv    *httptest.Server
	router *router.Router
	store  store.Store
	bus    *events.Bus
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			CORS:         config.CORSConfig{Origins: []string{"*"}},
			MaxBodyBytes: 1024 * 1024,
		},
		Auth: config.AuthConfig{Mode: "jwt", Secret: testSecret},
	}
	authn, err := auth.New(cfg.Auth)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	t.Cleanup(bus.Close)

	rt := router.New(authn, logger, router.Options{DefaultAgentID: "default", MaxPerUser: 2, Events: bus})
	if _, err := rt.SpawnAgent("Lisa", nil, nil, router.WithAgentID("default")); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewServer(rt, authn, s, bus, cfg, logger).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, router: rt, store: s, bus: bus}
}

func tokenFor(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)
	resp, _ := env.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_ = env.store.Close()
	resp, _ = env.do(t, http.MethodGet, "/readyz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupTestServer(t)
	if resp, _ := env.do(t, http.MethodGet, "/api/sessions", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/sessions", "not.a.jwt", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", resp.StatusCode)
	}
}

func TestGetMe(t *testing.T) {
	env := setupTestServer(t)
	resp, body := env.do(t, http.MethodGet, "/api/me", tokenFor(t, "g1", auth.RoleGuest), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var me struct {
		UserID      string   `json:"userId"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatal(err)
	}
	if me.UserID != "g1" || me.Role != "guest" {
		t.Errorf("me = %+v", me)
	}
	if strings.Join(me.Permissions, ",") != "messages.send,sessions.read" {
		t.Errorf("permissions = %v", me.Permissions)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestServer(t)
	alice := tokenFor(t, "alice", auth.RoleUser)

	resp, body := env.do(t, http.MethodPost, "/api/sessions", alice, protocol.SessionCreateRequest{UserID: "mallory", ChannelType: "web"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", resp.StatusCode, body)
	}
	var sess protocol.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	if sess.UserID != "alice" || sess.AgentID != "default" {
		t.Errorf("session = %+v", sess)
	}

	resp, body = env.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, alice, protocol.SessionUpdateRequest{Metadata: map[string]any{"mood": "happy"}})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "happy") {
		t.Errorf("update: status = %d, body = %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, alice, protocol.SessionUpdateRequest{Status: protocol.SessionSuspended})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"status":"suspended"`) {
		t.Errorf("suspend: status = %d, body = %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, alice, protocol.SessionUpdateRequest{Status: protocol.SessionClosed}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status closed: status = %d, want 400", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPatch, "/api/sessions/"+sess.ID, alice, protocol.SessionUpdateRequest{Status: protocol.SessionActive}); resp.StatusCode != http.StatusOK {
		t.Errorf("reactivate: status = %d", resp.StatusCode)
	}

	msgs, cancel := env.router.OnMessage(sess.ID)
	defer cancel()
	resp, _ = env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/messages", alice, protocol.MessageSendRequest{Content: "hi"})
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("send: status = %d", resp.StatusCode)
	}
	select {
	case ev := <-msgs:
		if ev.Payload.Content != "hi" {
			t.Errorf("delivered = %+v", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	// Another user can neither read nor close alice's session.
	bob := tokenFor(t, "bob", auth.RoleUser)
	if resp, _ := env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, bob, nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("bob get: status = %d, want 403", resp.StatusCode)
	}
	resp, body = env.do(t, http.MethodGet, "/api/sessions", bob, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("bob list = %s", body)
	}

	resp, body = env.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/close", alice, nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"closed"`) {
		t.Errorf("close: status = %d, body = %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodGet, "/api/sessions/"+sess.ID, alice, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after close: status = %d, want 404", resp.StatusCode)
	}
}

func TestCreateSession_Cap(t *testing.T) {
	env := setupTestServer(t)
	tok := tokenFor(t, "alice", auth.RoleUser)
	for i := range 2 {
		if resp, _ := env.do(t, http.MethodPost, "/api/sessions", tok, protocol.SessionCreateRequest{ChannelType: "web"}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status = %d", i, resp.StatusCode)
		}
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/sessions", tok, protocol.SessionCreateRequest{ChannelType: "web"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("third create: status = %d, want 429", resp.StatusCode)
	}
}

func TestPermissionsPerRoute(t *testing.T) {
	env := setupTestServer(t)
	guest := tokenFor(t, "g", auth.RoleGuest)
	user := tokenFor(t, "u", auth.RoleUser)

	cases := []struct {
		name, method, path, token string
		body                      any
		want                      int
	}{
		{"guest create session", http.MethodPost, "/api/sessions", guest, protocol.SessionCreateRequest{ChannelType: "web"}, http.StatusForbidden},
		{"guest invoke tool", http.MethodPost, "/api/tools/invoke", guest, protocol.ToolInvocation{ToolID: "x"}, http.StatusForbidden},
		{"user spawn agent", http.MethodPost, "/api/agents", user, protocol.AgentSpawnRequest{Name: "x"}, http.StatusForbidden},
		{"user install skill", http.MethodPost, "/api/skills", user, protocol.InstalledSkill{Name: "x"}, http.StatusForbidden},
		{"user export", http.MethodGet, "/api/config/export", user, nil, http.StatusForbidden},
		{"user list agents", http.MethodGet, "/api/agents", user, nil, http.StatusOK},
		{"guest list sessions", http.MethodGet, "/api/sessions", guest, nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, tc.method, tc.path, tc.token, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestAgentsAndRoutes(t *testing.T) {
	env := setupTestServer(t)
	admin := tokenFor(t, "root", auth.RoleAdmin)

	spawn := protocol.AgentSpawnRequest{ID: "coder", Name: "Coder", Route: &protocol.AgentRoute{Priority: 5, UserPatterns: []string{"dev-*"}}}
	if resp, body := env.do(t, http.MethodPost, "/api/agents", admin, spawn); resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn: status = %d, body = %s", resp.StatusCode, body)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/agents", admin, spawn); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate spawn: status = %d, want 409", resp.StatusCode)
	}

	_, body := env.do(t, http.MethodGet, "/api/routes?channel=web&user=dev-1", admin, nil)
	var preview struct {
		Resolved       string `json:"resolved"`
		DefaultAgentID string `json:"defaultAgentId"`
	}
	if err := json.Unmarshal(body, &preview); err != nil {
		t.Fatal(err)
	}
	if preview.Resolved != "coder" || preview.DefaultAgentID != "default" {
		t.Errorf("preview = %+v", preview)
	}

	// Agent changes are persisted.
	snap, err := env.store.LoadSnapshot(context.Background())
	if err != nil || snap == nil {
		t.Fatalf("LoadSnapshot: %v, %v", snap, err)
	}
	if len(snap.Agents) != 2 || len(snap.Routes) != 1 {
		t.Errorf("stored snapshot = %+v", snap)
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/agents/coder/stop", admin, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("stop: status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/agents/coder/stop", admin, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second stop: status = %d, want 404", resp.StatusCode)
	}
}

func TestSkillsAndChannels(t *testing.T) {
	env := setupTestServer(t)
	admin := tokenFor(t, "root", auth.RoleAdmin)

	skill := protocol.InstalledSkill{Name: "weather", Version: "1.0.0", EntryPoint: "weather/main", Enabled: true}
	if resp, _ := env.do(t, http.MethodPost, "/api/skills", admin, skill); resp.StatusCode != http.StatusCreated {
		t.Fatalf("install: status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodPost, "/api/skills", admin, skill); resp.StatusCode != http.StatusConflict {
		t.Errorf("reinstall: status = %d, want 409", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodDelete, "/api/skills/weather", admin, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("uninstall: status = %d", resp.StatusCode)
	}
	if resp, _ := env.do(t, http.MethodDelete, "/api/skills/weather", admin, nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second uninstall: status = %d, want 404", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/api/channels", admin, protocol.ChannelConnectRequest{Type: "telegram", Name: "tg"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect: status = %d, body = %s", resp.StatusCode, body)
	}
	var ch protocol.Channel
	_ = json.Unmarshal(body, &ch)
	if ch.Status != protocol.ChannelConnected {
		t.Errorf("channel = %+v", ch)
	}
	if resp, _ := env.do(t, http.MethodDelete, "/api/channels/"+ch.ID, admin, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("disconnect: status = %d", resp.StatusCode)
	}
}

func TestToolInvokeAndResult(t *testing.T) {
	env := setupTestServer(t)
	user := tokenFor(t, "u", auth.RoleUser)

	type outcome struct {
		status int
		body   []byte
	}
	done := make(chan outcome, 1)
	go func() {
		resp, body := env.do(t, http.MethodPost, "/api/tools/invoke", user, protocol.ToolInvocation{InvocationID: "inv-1", ToolID: "camera"})
		done <- outcome{resp.StatusCode, body}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(env.router.PendingTools()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/tools/inv-1/result", user, protocol.ToolResultPayload{Result: "ok"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: status = %d", resp.StatusCode)
	}

	select {
	case out := <-done:
		var res protocol.ToolResult
		if err := json.Unmarshal(out.body, &res); err != nil {
			t.Fatal(err)
		}
		if out.status != http.StatusOK || !res.Success || res.Result != "ok" {
			t.Errorf("invoke = %d %+v", out.status, res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not return")
	}

	if resp, _ := env.do(t, http.MethodPost, "/api/tools/inv-1/result", user, protocol.ToolResultPayload{}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("late result: status = %d, want 404", resp.StatusCode)
	}
}

func TestToolResult_WithoutSuccessFlag(t *testing.T) {
	env := setupTestServer(t)
	user := tokenFor(t, "u", auth.RoleUser)

	done := make(chan []byte, 1)
	go func() {
		_, body := env.do(t, http.MethodPost, "/api/tools/invoke", user, protocol.ToolInvocation{InvocationID: "inv-2", ToolID: "lookup"})
		done <- body
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(env.router.PendingTools()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	resp, _ := env.do(t, http.MethodPost, "/api/tools/inv-2/result", user, json.RawMessage(`{"result":{"x":1}}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: status = %d", resp.StatusCode)
	}

	select {
	case body := <-done:
		var res protocol.ToolResult
		if err := json.Unmarshal(body, &res); err != nil {
			t.Fatal(err)
		}
		if !res.Success || res.Error != "" {
			t.Errorf("invoke = %+v, want success", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not return")
	}
}

func TestConfigExportImport(t *testing.T) {
	env := setupTestServer(t)
	admin := tokenFor(t, "root", auth.RoleAdmin)

	snap := protocol.ConfigSnapshot{
		Version:        protocol.SnapshotVersion,
		DefaultAgentID: "concierge",
		Agents:         []protocol.AgentSpec{{ID: "concierge", Name: "Concierge"}},
		Routes:         []protocol.AgentRoute{{AgentID: "concierge", Priority: 1, ChannelTypes: []string{"sms"}}},
		Skills:         []protocol.InstalledSkill{{Name: "notes", Version: "2.0.0", Enabled: true}},
	}
	if resp, body := env.do(t, http.MethodPost, "/api/config/import", admin, snap); resp.StatusCode != http.StatusOK {
		t.Fatalf("import: status = %d, body = %s", resp.StatusCode, body)
	}

	_, body := env.do(t, http.MethodGet, "/api/config/export", admin, nil)
	var got protocol.ConfigSnapshot
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.DefaultAgentID != "concierge" || len(got.Routes) != 1 || len(got.Skills) != 1 || len(got.Agents) != 2 {
		t.Errorf("export = %+v", got)
	}

	stored, err := env.store.LoadSnapshot(context.Background())
	if err != nil || stored == nil || stored.DefaultAgentID != "concierge" {
		t.Errorf("stored = %+v, err = %v", stored, err)
	}

	bad := protocol.ConfigSnapshot{Version: protocol.SnapshotVersion + 1}
	if resp, _ := env.do(t, http.MethodPost, "/api/config/import", admin, bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("future version: status = %d, want 400", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	env := setupTestServer(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/events"

	_, resp, err := websocket.DefaultDialer.Dial(url+"?token="+tokenFor(t, "u", auth.RoleUser), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("user dial: err = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?types=session.created&token="+tokenFor(t, "root", auth.RoleAdmin), nil)
	if err != nil {
		t.Fatalf("admin dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered after the upgrade; retry until seen.
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got := make(chan events.Event, 1)
	go func() {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	for i := range 40 {
		if _, err := env.router.CreateSession(fmt.Sprintf("carol-%d", i), "web", nil); err != nil {
			t.Fatal(err)
		}
		select {
		case ev := <-got:
			if ev.Type != events.SessionCreated || ev.SessionID == "" {
				t.Errorf("event = %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("no event received")
}
