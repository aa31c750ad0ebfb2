package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/cli"
	"github.com/lisa-ai/lisa/pkg/client"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

func newTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow envelopes or admin events from a running gateway",
		Long: "Connects to a running gateway and prints what it sends. With --session the " +
			"client subscribes to that session first. With --events it follows the admin " +
			"event stream instead, which needs an admin token.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, _ := cmd.Flags().GetString("url")
			token, _ := cmd.Flags().GetString("token")
			sessionID, _ := cmd.Flags().GetString("session")
			eventStream, _ := cmd.Flags().GetBool("events")
			types, _ := cmd.Flags().GetString("types")
			count, _ := cmd.Flags().GetInt("count")

			if eventStream {
				// Full-screen view only when following forever on a terminal.
				interactive := count == 0 && isTerminal(cmd.OutOrStdout())
				return tailEvents(cmd.Context(), cmd.OutOrStdout(), endpoint(base, "/api/events", types), token, count, interactive)
			}
			return tailEnvelopes(cmd.Context(), cmd.OutOrStdout(), endpoint(base, "/ws", ""), token, sessionID, count)
		},
	}
	cmd.Flags().String("url", "ws://127.0.0.1:18789", "gateway base URL")
	cmd.Flags().String("token", "", "client token")
	cmd.Flags().String("session", "", "session id to subscribe to")
	cmd.Flags().Bool("events", false, "follow the admin event stream")
	cmd.Flags().String("types", "", "comma-separated event types (with --events)")
	cmd.Flags().Int("count", 0, "exit after this many items (0 = follow forever)")
	return cmd
}

// endpoint turns a base URL into a WebSocket URL for path. http(s) schemes
// are mapped to ws(s).
func endpoint(base, path, types string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return base
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if types != "" {
		q := u.Query()
		q.Set("types", types)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func tailEnvelopes(ctx context.Context, w io.Writer, wsURL, token, sessionID string, count int) error {
	c, err := client.Dial(ctx, wsURL, token, client.Options{})
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if sessionID != "" {
		if err := c.Subscribe(ctx, sessionID); err != nil {
			return fmt.Errorf("subscribe %s: %w", sessionID, err)
		}
		_, _ = fmt.Fprintf(w, "%s %s\n", cli.Dimmed.Render("subscribed to"), sessionID)
	}

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil && !errors.Is(err, client.ErrClosed) {
				return err
			}
			return nil
		case env := <-c.Envelopes():
			printEnvelope(w, env)
			seen++
			if count > 0 && seen >= count {
				return nil
			}
		}
	}
}

func printEnvelope(w io.Writer, env protocol.Envelope) {
	ts := time.UnixMilli(int64(env.Timestamp)).Format("15:04:05.000")
	payload, _ := json.Marshal(env.Payload)
	session := env.SessionID
	if session == "" {
		session = "-"
	}
	_, _ = fmt.Fprintf(w, "%s %s %s %s\n",
		cli.Dimmed.Render(ts), cli.TypeStyle(env.Type).Render(pad(env.Type, 18)), session, payload)
}

func tailEvents(ctx context.Context, w io.Writer, wsURL, token string, count int, interactive bool) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial event stream: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if interactive {
		return runFollowView(ctx, conn, wsURL)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for seen := 0; count == 0 || seen < count; seen++ {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		printEvent(w, ev)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return nil
}

func printEvent(w io.Writer, ev events.Event) {
	_, _ = fmt.Fprintln(w, formatEvent(ev))
}

func formatEvent(ev events.Event) string {
	var refs []string
	if ev.SessionID != "" {
		refs = append(refs, "session="+ev.SessionID)
	}
	if ev.AgentID != "" {
		refs = append(refs, "agent="+ev.AgentID)
	}
	if ev.Data != nil {
		data, _ := json.Marshal(ev.Data)
		refs = append(refs, string(data))
	}
	return fmt.Sprintf("%s %s %s",
		cli.Dimmed.Render(ev.Timestamp.Local().Format("15:04:05.000")),
		cli.TypeStyle(string(ev.Type)).Render(pad(string(ev.Type), 18)),
		strings.Join(refs, " "))
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
