// Package router dispatches incoming command envelopes to tab and DOM
// operations and guarantees exactly one result envelope per command id.
package router

import (
	"context"
	"fmt"
	"sync"

	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

// TabOps is the slice of the tab session manager the router needs.
type TabOps interface {
	Navigate(ctx context.Context, url string) (any, error)
	OpenTab(ctx context.Context, url string, active bool) (any, error)
	SwitchTab(ctx context.Context, cmd protocol.Command) (any, error)
	Screenshot(ctx context.Context, format string) (any, error)
	Extract(ctx context.Context, maxLength int) (any, error)
	RunDOM(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
}

type Router struct {
	tabs TabOps

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(tabs TabOps) *Router {
	return &Router{tabs: tabs, inFlight: make(map[string]bool)}
}

// Handle routes one command and produces its result. The second return is
// false when a command with the same id is already being handled; the caller
// must not send anything for such a frame.
func (r *Router) Handle(ctx context.Context, cmd protocol.Command) (protocol.Result, bool) {
	r.mu.Lock()
	if r.inFlight[cmd.ID] {
		r.mu.Unlock()
		L_warn("router: duplicate command id while in flight, dropping", "id", cmd.ID, "cmd", cmd.Cmd)
		return protocol.Result{}, false
	}
	r.inFlight[cmd.ID] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, cmd.ID)
		r.mu.Unlock()
	}()

	return r.dispatch(ctx, cmd), true
}

// dispatch never lets an error or panic escape without a result envelope.
func (r *Router) dispatch(ctx context.Context, cmd protocol.Command) (res protocol.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			L_error("router: panic while handling command", "id", cmd.ID, "cmd", cmd.Cmd, "panic", rec)
			res = protocol.FailResult(cmd.ID, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	L_debug("router: handling command", "id", cmd.ID, "cmd", cmd.Cmd)

	if errName := protocol.ValidateArgs(cmd); errName != "" {
		return protocol.FailResult(cmd.ID, errName)
	}

	var data any
	var err error
	switch cmd.Cmd {
	case "ping":
		data = "pong"
	case "navigate":
		data, err = r.tabs.Navigate(ctx, cmd.StringArg("url"))
	case "openTab":
		active := true
		if v, ok := cmd.GetArg("active"); ok {
			b, isBool := v.(bool)
			active = !isBool || b
		}
		data, err = r.tabs.OpenTab(ctx, cmd.StringArg("url"), active)
	case "switchTab":
		data, err = r.tabs.SwitchTab(ctx, cmd)
	case "screenshot":
		data, err = r.tabs.Screenshot(ctx, cmd.StringArg("format"))
	case "extract":
		maxLen, _ := cmd.IntArg("maxLength")
		data, err = r.tabs.Extract(ctx, maxLen)
	case "waitFor", "query", "click", "type", "scroll":
		var domRes protocol.Result
		domRes, err = r.tabs.RunDOM(ctx, cmd)
		if err == nil {
			domRes.ID = cmd.ID
			return domRes
		}
	default:
		return protocol.FailResult(cmd.ID, protocol.ErrUnknownCommand)
	}

	if err != nil {
		L_debug("router: command failed", "id", cmd.ID, "cmd", cmd.Cmd, "error", err)
		return protocol.FailResult(cmd.ID, err.Error())
	}
	return protocol.OKResult(cmd.ID, data)
}
