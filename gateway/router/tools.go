package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/protocol"
)

// ToolCall is a single call handed to a ToolExecutor.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolCallResult is what an executor returns. Content is usually JSON.
type ToolCallResult struct {
	ToolCallID string
	Content    string
	Error      string
}

// ToolExecutor runs tools on behalf of the gateway.
type ToolExecutor interface {
	HasTool(name string) bool
	ExecuteTool(ctx context.Context, call ToolCall) (ToolCallResult, error)
}

// SetToolExecutor attaches the executor. Only one may be attached.
func (r *Router) SetToolExecutor(exec ToolExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executor != nil {
		return ErrExecutorAttached
	}
	r.executor = exec
	return nil
}

// HasToolExecutor reports whether tool calls run in-process.
func (r *Router) HasToolExecutor() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executor != nil
}

// InvokeTool runs a tool and always returns a result; failures are reported
// with Success false. Without an executor the invocation is announced to the
// session's subscribers and waits for ResolveToolResult until the tool
// timeout or ctx ends.
func (r *Router) InvokeTool(ctx context.Context, inv protocol.ToolInvocation) protocol.ToolResult {
	start := time.Now()
	r.mu.RLock()
	exec := r.executor
	r.mu.RUnlock()

	var res protocol.ToolResult
	if exec != nil {
		res = r.executeTool(ctx, exec, inv)
	} else {
		res = r.awaitToolResult(ctx, inv)
	}
	res.ToolID = inv.ToolID
	res.Duration = time.Since(start).Milliseconds()

	if !res.Success {
		r.logger.Warn("tool invocation failed", "tool_id", inv.ToolID, "session_id", inv.SessionID, "error", res.Error)
	} else {
		r.logger.Debug("tool invocation succeeded", "tool_id", inv.ToolID, "duration_ms", res.Duration)
	}
	return res
}

func (r *Router) executeTool(ctx context.Context, exec ToolExecutor, inv protocol.ToolInvocation) protocol.ToolResult {
	if !exec.HasTool(inv.ToolID) {
		return protocol.ToolResult{Error: fmt.Sprintf("tool %q not found", inv.ToolID)}
	}
	callID := inv.InvocationID
	if callID == "" {
		callID = uuid.New().String()
	}
	out, err := exec.ExecuteTool(ctx, ToolCall{ID: callID, Name: inv.ToolID, Arguments: inv.Parameters})
	if err != nil {
		return protocol.ToolResult{Error: err.Error()}
	}
	if out.Error != "" {
		return protocol.ToolResult{Error: out.Error, Result: decodeToolContent(out.Content)}
	}
	return protocol.ToolResult{Success: true, Result: decodeToolContent(out.Content)}
}

// decodeToolContent parses JSON content, falling back to the raw string.
func decodeToolContent(content string) any {
	if content == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return content
	}
	return v
}

func (r *Router) awaitToolResult(ctx context.Context, inv protocol.ToolInvocation) protocol.ToolResult {
	key := inv.InvocationID
	if key == "" {
		key = inv.ToolID
	}
	inv.InvocationID = key

	ch := make(chan protocol.ToolResultPayload, 1)
	r.mu.Lock()
	if _, busy := r.pending[key]; busy {
		r.mu.Unlock()
		return protocol.ToolResult{Error: fmt.Sprintf("invocation %q already pending", key)}
	}
	r.pending[key] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.pending[key] == ch {
			delete(r.pending, key)
		}
		r.mu.Unlock()
	}()

	env := protocol.New(protocol.TypeToolInvoke, inv.SessionID, inv)
	if inv.SessionID != "" {
		r.broadcastToSession(env)
	} else {
		r.Broadcast(env.Type, "", inv)
	}

	timer := time.NewTimer(r.toolTimeout)
	defer timer.Stop()

	select {
	case p := <-ch:
		res := protocol.ToolResult{Success: p.Succeeded(), Result: p.Result, Error: p.Error}
		if !res.Success && res.Error == "" {
			res.Error = fmt.Sprintf("tool %q reported failure", inv.ToolID)
		}
		return res
	case <-timer.C:
		return protocol.ToolResult{Error: fmt.Sprintf("tool %q timed out after %s", inv.ToolID, r.toolTimeout)}
	case <-ctx.Done():
		return protocol.ToolResult{Error: fmt.Sprintf("tool %q cancelled: %v", inv.ToolID, ctx.Err())}
	}
}

// ResolveToolResult completes a pending invocation. It reports false when
// nothing is waiting on id, including when it was already resolved.
func (r *Router) ResolveToolResult(id string, result protocol.ToolResultPayload) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	result.InvocationID = id
	ch <- result // buffered, one send per channel
	r.publish(events.Event{Type: events.ToolResolved, Data: result})
	return true
}

// PendingTools returns the ids of invocations awaiting a result.
func (r *Router) PendingTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	return out
}
