package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Handler processes one Request and returns its result payload (to be
// wrapped into a success Response) or an error (wrapped into an error
// Response).
type Handler func(ctx context.Context, req *Request) (any, error)

// Dispatcher routes Request.Command to a registered Handler and builds
// the corresponding Response envelope. One Dispatcher instance is
// shared by every inbound stream handler on a node.
type Dispatcher struct {
	selfPeerID string
	handlers   map[Name]Handler
	log        *slog.Logger
}

// NewDispatcher constructs a Dispatcher that stamps selfPeerID as the
// "from" field of every Response it builds.
func NewDispatcher(selfPeerID string) *Dispatcher {
	return &Dispatcher{
		selfPeerID: selfPeerID,
		handlers:   make(map[Name]Handler),
		log:        slog.Default().With("component", "command-dispatcher"),
	}
}

// Register installs the handler for a command name, overwriting any
// previous registration.
func (d *Dispatcher) Register(name Name, h Handler) {
	d.handlers[name] = h
}

// Dispatch looks up and invokes the handler for req.Command, building a
// Response that echoes req.RequestID.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{
		Command:   req.Command,
		RequestID: req.RequestID,
		From:      d.selfPeerID,
		To:        req.From,
	}

	h, ok := d.handlers[req.Command]
	if !ok {
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("unknown command %q", req.Command)
		return resp
	}

	result, err := h(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			resp.Status = StatusTimeout
		} else {
			resp.Status = StatusError
		}
		resp.Error = err.Error()
		return resp
	}

	raw, merr := json.Marshal(result)
	if merr != nil {
		resp.Status = StatusError
		resp.Error = fmt.Sprintf("marshal result: %v", merr)
		return resp
	}
	resp.Status = StatusSuccess
	resp.Result = raw
	return resp
}

// DispatchExecuteTask is the exhaustive switch over the closed TaskType
// sum. Handlers must cover every TaskType; an unrecognized type is a
// dispatcher bug, not a runtime condition, so it returns an error
// rather than panicking.
func DispatchExecuteTask(ctx context.Context, params ExecuteTaskParams, fragment func(context.Context, ExecuteTaskParams) (ExecuteTaskResult, error), fileShare func(context.Context, ExecuteTaskParams) (ExecuteTaskResult, error)) (ExecuteTaskResult, error) {
	switch params.TaskType {
	case TaskLlamaFragment:
		return fragment(ctx, params)
	case TaskFileShare:
		return fileShare(ctx, params)
	default:
		return ExecuteTaskResult{}, fmt.Errorf("unhandled task_type %q", params.TaskType)
	}
}
