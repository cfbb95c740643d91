// Package controller drives a plan over the relay: it sends command
// envelopes to the adapter and correlates replies strictly by id.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/browserclaw/internal/config"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

const statusPollInterval = 250 * time.Millisecond
const handshakeTimeout = 15 * time.Second

// followHrefID marks the automatic open-found-link step in plan results.
const followHrefID = "autotab"

// Controller is one connected controller session on the relay.
type Controller struct {
	cfg  config.ControllerConfig
	conn *websocket.Conn
}

// PlanResult is the outcome of a full plan run. On failure FailedStep and
// Resp identify where it stopped; Results holds everything that succeeded
// before that.
type PlanResult struct {
	OK         bool              `json:"ok"`
	FailedStep *protocol.Command `json:"failed_step,omitempty"`
	Resp       *protocol.Result  `json:"resp,omitempty"`
	Results    []protocol.Result `json:"results"`
}

// Dial connects to the relay and announces the controller role. The hello
// ack is consumed before returning so later reads only see traffic.
func Dial(ctx context.Context, relayURL string, cfg config.ControllerConfig) (*Controller, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, relayURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	if err := conn.WriteJSON(protocol.NewHello(protocol.RoleController)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read hello ack: %w", err)
	}

	L_debug("controller: connected to relay", "url", relayURL)
	return &Controller{cfg: cfg, conn: conn}, nil
}

func (c *Controller) Close() {
	c.conn.Close()
}

// WaitForAdapter polls relay status until the adapter shows up or the
// configured wait elapses.
func (c *Controller) WaitForAdapter(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ResolveAdapterWait())

	for {
		if err := c.conn.WriteJSON(map[string]any{"type": "status"}); err != nil {
			return fmt.Errorf("status request: %w", err)
		}

		// The relay answers status requests synchronously; a read error
		// here means the relay itself is gone.
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("status read: %w", err)
		}
		var st protocol.Status
		if json.Unmarshal(raw, &st) == nil && st.Type == "status" && st.AdapterConnected {
			L_debug("controller: adapter connected")
			return nil
		}

		if time.Now().After(deadline) {
			return errors.New(protocol.ErrAdapterNotConnected)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(statusPollInterval):
		}
	}
}

// RunStep sends one command and waits for the reply with a matching id,
// skipping any other frame that arrives in between.
func (c *Controller) RunStep(ctx context.Context, step protocol.Command) (protocol.Result, error) {
	if err := c.conn.WriteJSON(step); err != nil {
		return protocol.Result{}, fmt.Errorf("send step %s: %w", step.ID, err)
	}
	res, err := c.recvByID(ctx, step.ID)
	if err != nil {
		return protocol.Result{}, err
	}
	L_debug("controller: step done", "id", step.ID, "cmd", step.Cmd, "ok", res.OK, "error", res.Error)
	return res, nil
}

// recvByID reads frames until one carries the expected id. Unparseable
// frames and frames for other ids (status broadcasts, stale replies) are
// skipped, never treated as the answer.
func (c *Controller) recvByID(ctx context.Context, expectedID string) (protocol.Result, error) {
	deadline := time.Now().Add(c.cfg.ResolveStepTimeout())
	c.conn.SetReadDeadline(deadline)

	for {
		select {
		case <-ctx.Done():
			return protocol.Result{}, ctx.Err()
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.Result{}, fmt.Errorf("waiting for %s: %w", expectedID, err)
		}

		var res protocol.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			L_trace("controller: skipping unparseable frame", "raw", string(raw))
			continue
		}
		if res.ID != expectedID {
			L_trace("controller: skipping frame for other id", "got", res.ID, "want", expectedID)
			continue
		}
		return res, nil
	}
}

// RunPlan executes steps in order, stopping at the first failure. After
// each successful step it may auto-open a freshly queried link.
func (c *Controller) RunPlan(ctx context.Context, plan *protocol.Plan) *PlanResult {
	out := &PlanResult{Results: []protocol.Result{}}

	for i := range plan.Steps {
		step := plan.Steps[i]
		res, err := c.RunStep(ctx, step)
		if err != nil {
			L_warn("controller: step transport failure", "id", step.ID, "error", err)
			failed := protocol.FailResult(step.ID, err.Error())
			out.FailedStep = &step
			out.Resp = &failed
			return out
		}
		if !res.OK {
			out.FailedStep = &step
			out.Resp = &res
			return out
		}
		out.Results = append(out.Results, res)

		if follow := c.maybeFollowHref(res); follow != nil {
			fres, err := c.RunStep(ctx, *follow)
			if err != nil {
				L_warn("controller: follow-href step failed", "error", err)
				continue
			}
			out.Results = append(out.Results, fres)
		}
	}

	out.OK = true
	return out
}

// maybeFollowHref inspects a query result for a leading href and builds an
// openTab step for it. Relative hrefs resolve against the configured base;
// with no base only absolute links are followed.
func (c *Controller) maybeFollowHref(res protocol.Result) *protocol.Command {
	data, ok := res.Data.(map[string]any)
	if !ok {
		return nil
	}
	arr, ok := data["results"].([]any)
	if !ok || len(arr) == 0 {
		return nil
	}
	href, ok := arr[0].(string)
	if !ok || href == "" {
		return nil
	}

	target := href
	if strings.HasPrefix(href, "/") {
		if c.cfg.FollowHrefBase == "" {
			return nil
		}
		base, err := url.Parse(c.cfg.FollowHrefBase)
		if err != nil {
			L_warn("controller: bad follow-href base", "base", c.cfg.FollowHrefBase, "error", err)
			return nil
		}
		ref, err := url.Parse(href)
		if err != nil {
			return nil
		}
		target = base.ResolveReference(ref).String()
	} else if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return nil
	}

	L_debug("controller: following queried href", "url", target)
	return &protocol.Command{
		ID:   followHrefID,
		Cmd:  "openTab",
		Args: map[string]any{"url": target, "active": true},
	}
}
