// Package client is a Go client for the gateway's WebSocket protocol.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/pkg/protocol"
)

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("client closed")

// ReplyError is a gateway error envelope answering one of our requests.
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options tune Dial.
type Options struct {
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	TLSSkipVerify    bool
	// Buffer is the capacity of the Envelopes channel. Envelopes that do not
	// fit are dropped.
	Buffer int
}

// Client is one authenticated gateway connection.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error

	inbox chan protocol.Envelope
	done  chan struct{}
}

// Dial connects to a gateway WebSocket URL such as ws://host:18789/ws. The
// token is sent both as a bearer header and as the ?token= parameter.
func Dial(ctx context.Context, rawURL, token string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	if opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:    conn,
		logger:  opts.Logger.With("component", "gateway-client"),
		pending: make(map[string]chan protocol.Envelope),
		inbox:   make(chan protocol.Envelope, opts.Buffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	c.logger.Info("connected to gateway", "url", rawURL)
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read message: %w", err))
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from gateway", "error", err)
			continue
		}

		if env.ReplyTo != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.ReplyTo]
			delete(c.pending, env.ReplyTo)
			c.mu.Unlock()
			if ok {
				ch <- env
				continue
			}
		}

		select {
		case c.inbox <- env:
		default:
			c.logger.Warn("inbox full, dropping envelope", "type", env.Type)
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Envelopes returns unsolicited envelopes: broadcasts, subscribed session
// traffic and replies nobody waited for. It is closed when the connection
// ends.
func (c *Client) Envelopes() <-chan protocol.Envelope { return c.inbox }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes an envelope without waiting for a reply.
func (c *Client) Send(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Request sends a message and waits for the envelope that answers it. An
// error envelope comes back as a *ReplyError. message.stream and
// presence.update succeed silently, so use Send for those.
func (c *Client) Request(ctx context.Context, msgType, sessionID string, payload any) (protocol.Envelope, error) {
	env := protocol.New(msgType, sessionID, payload)
	ch := make(chan protocol.Envelope, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.forget(env.ID)
		return protocol.Envelope{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		if reply.Type == protocol.TypeError {
			var resp protocol.ErrorResponse
			if err := reply.DecodePayload(&resp); err != nil {
				return reply, err
			}
			return reply, &ReplyError{Code: resp.Code, Message: resp.Message}
		}
		return reply, nil
	case <-ctx.Done():
		c.forget(env.ID)
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// CreateSession opens a session and subscribes this connection to it.
func (c *Client) CreateSession(ctx context.Context, req protocol.SessionCreateRequest) (*protocol.Session, error) {
	reply, err := c.Request(ctx, protocol.TypeSessionCreate, "", req)
	if err != nil {
		return nil, err
	}
	var sess protocol.Session
	if err := reply.DecodePayload(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Subscribe starts receiving a session's traffic on Envelopes.
func (c *Client) Subscribe(ctx context.Context, sessionID string) error {
	_, err := c.Request(ctx, protocol.TypeSessionSubscribe, sessionID, protocol.SessionRef{SessionID: sessionID})
	return err
}

// SendMessage posts content to a session as the user.
func (c *Client) SendMessage(ctx context.Context, sessionID string, content any) error {
	_, err := c.Request(ctx, protocol.TypeMessageSend, sessionID, protocol.MessageSendRequest{Content: content})
	return err
}

// Close sends a close frame and shuts the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
