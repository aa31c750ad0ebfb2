package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/gateway/config"
	"github.com/lisa-ai/lisa/gateway/router"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

const testToken = "client-test-token-0123456789"

func startGateway(t *testing.T) string {
	t.Helper()
	authn, err := auth.New(config.AuthConfig{Mode: "token", Secret: testToken})
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := router.New(authn, logger, router.Options{DefaultAgentID: "default"})
	srv := httptest.NewServer(http.HandlerFunc(rt.HandleClientWS))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_Unauthorized(t *testing.T) {
	url := startGateway(t)
	_, err := Dial(context.Background(), url, "wrong", Options{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want 401", err)
	}
}

func TestClient_SessionFlow(t *testing.T) {
	url := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, testToken, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sess, err := c.CreateSession(ctx, protocol.SessionCreateRequest{UserID: "alice", ChannelType: "cli"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" || sess.UserID != "alice" {
		t.Fatalf("session = %+v", sess)
	}

	if err := c.SendMessage(ctx, sess.ID, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	for {
		select {
		case env := <-c.Envelopes():
			if env.Type != protocol.TypeMessageReceive {
				continue
			}
			var msg protocol.MessagePayload
			if err := env.DecodePayload(&msg); err != nil {
				t.Fatal(err)
			}
			if msg.Content != "hello" || msg.Seq != 1 {
				t.Errorf("message = %+v", msg)
			}
			return
		case <-ctx.Done():
			t.Fatal("no message.receive")
		}
	}
}

func TestClient_ReplyError(t *testing.T) {
	url := startGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, testToken, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	err = c.Subscribe(ctx, "no-such-session")
	var rerr *ReplyError
	if !errors.As(err, &rerr) || rerr.Code != protocol.CodeHandlerError {
		t.Fatalf("err = %v, want HANDLER_ERROR reply", err)
	}

	// token-mode clients hold the user role, which may not spawn agents.
	_, err = c.Request(ctx, protocol.TypeAgentSpawn, "", protocol.AgentSpawnRequest{Name: "x"})
	if !errors.As(err, &rerr) || rerr.Code != protocol.CodePermissionDenied {
		t.Fatalf("err = %v, want PERMISSION_DENIED", err)
	}
}

func TestClient_Close(t *testing.T) {
	url := startGateway(t)
	c, err := Dial(context.Background(), url, testToken, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	if c.Err() == nil {
		t.Error("Err should report the closed connection")
	}
	if _, err := c.Request(context.Background(), protocol.TypeSessionList, "", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Request after close: err = %v, want ErrClosed", err)
	}
}
