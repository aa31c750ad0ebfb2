package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// Caller identifies the client whose envelope is being handled.
type Caller struct {
	ClientID string
	UserID   string
	Role     auth.Role
}

// IsAdmin reports whether the caller has the admin role.
func (c Caller) IsAdmin() bool { return c.Role == auth.RoleAdmin }

// Handler processes one envelope type. A non-nil result is sent back to the
// caller as an envelope of the same type with replyTo set.
type Handler func(ctx context.Context, caller Caller, env protocol.Envelope) (any, error)

// ProcessError is a pipeline failure reported to the requesting client.
type ProcessError struct {
	Code    string
	Message string
}

func (e *ProcessError) Error() string { return e.Code + ": " + e.Message }

// RegisterHandler installs or replaces the handler for msgType.
func (r *Router) RegisterHandler(msgType string, h Handler) {
	r.mu.Lock()
	r.handlers[msgType] = h
	r.mu.Unlock()
}

// HandleRaw decodes a frame and processes it for clientID.
func (r *Router) HandleRaw(ctx context.Context, clientID string, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return r.fail(clientID, "", protocol.CodeInvalidMessage, err.Error())
	}
	return r.ProcessMessage(ctx, clientID, env)
}

// ProcessMessage runs env through validation, client identification,
// permission check and dispatch. Any failure stops the pipeline, is sent as
// an error envelope to clientID only and is returned as a *ProcessError.
func (r *Router) ProcessMessage(ctx context.Context, clientID string, env protocol.Envelope) error {
	if err := protocol.Validate(env); err != nil {
		return r.fail(clientID, env.ID, protocol.CodeInvalidMessage, err.Error())
	}

	r.mu.RLock()
	c, ok := r.clients[clientID]
	var h Handler
	if ok {
		h = r.handlers[env.Type]
	}
	r.mu.RUnlock()
	if !ok {
		return r.fail(clientID, env.ID, protocol.CodeUnregisteredClient, fmt.Sprintf("client %q is not registered", clientID))
	}

	if !auth.Allowed(c.role, env.Type) {
		return r.fail(clientID, env.ID, protocol.CodePermissionDenied, fmt.Sprintf("role %s may not send %s", c.role, env.Type))
	}

	if h == nil {
		return r.fail(clientID, env.ID, protocol.CodeUnknownMessageType, fmt.Sprintf("no handler for %q", env.Type))
	}

	if env.SessionID != "" {
		r.touchSession(env.SessionID)
	}

	caller := Caller{ClientID: clientID, UserID: c.info.UserID, Role: c.role}
	result, err := r.dispatch(ctx, h, caller, env)
	if err != nil {
		r.logger.Debug("handler error", "client_id", clientID, "type", env.Type, "error", err)
		return r.fail(clientID, env.ID, protocol.CodeHandlerError, err.Error())
	}
	if result != nil {
		r.reply(clientID, env, result)
	}
	return nil
}

// dispatch calls h, converting a panic into a handler error.
func (r *Router) dispatch(ctx context.Context, h Handler, caller Caller, env protocol.Envelope) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", "type", env.Type, "client_id", caller.ClientID, "panic", p)
			result, err = nil, fmt.Errorf("internal error handling %s", env.Type)
		}
	}()
	return h(ctx, caller, env)
}

func (r *Router) reply(clientID string, req protocol.Envelope, result any) {
	env := protocol.New(req.Type, req.SessionID, result)
	env.ReplyTo = req.ID
	r.sendTo(clientID, env)
}

func (r *Router) fail(clientID, requestID, code, msg string) error {
	perr := &ProcessError{Code: code, Message: msg}
	env := protocol.New(protocol.TypeError, "", protocol.ErrorResponse{Code: code, Message: msg, RequestID: requestID})
	env.ReplyTo = requestID
	r.sendTo(clientID, env)
	return perr
}

// AsProcessError extracts a pipeline failure from err.
func AsProcessError(err error) (*ProcessError, bool) {
	var perr *ProcessError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
