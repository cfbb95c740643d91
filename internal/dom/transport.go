// Package dom injects the DOM command executor into pages and exchanges
// command/result envelopes with it.
package dom

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"

	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

//go:embed executor.js
var executorJS string

// ErrNoReceiver reports that the page has no executor installed (fresh tab,
// or navigation wiped it). Callers classify on this sentinel instead of
// matching error text.
var ErrNoReceiver = errors.New("executor not present in page")

// Transport moves envelopes between the adapter and the in-page executor.
type Transport interface {
	// Ping probes executor liveness. ErrNoReceiver when absent.
	Ping(ctx context.Context, page *rod.Page) error
	// Inject installs the executor program into the page.
	Inject(ctx context.Context, page *rod.Page) error
	// Dispatch sends a command envelope to the executor and returns its
	// result envelope. ErrNoReceiver when the executor is absent.
	Dispatch(ctx context.Context, page *rod.Page, cmd protocol.Command) (protocol.Result, error)
}

// PageTransport is the rod-backed Transport.
type PageTransport struct {
	pingTimeout time.Duration
}

// NewPageTransport creates a Transport that talks to real pages.
func NewPageTransport() *PageTransport {
	return &PageTransport{pingTimeout: 2 * time.Second}
}

// ExecutorSource returns the executor program, for diagnostics.
func ExecutorSource() string {
	return executorJS
}

// Ping evaluates the executor's synchronous liveness probe. The probe never
// touches DOM timers, so a short timeout is safe.
func (t *PageTransport) Ping(ctx context.Context, page *rod.Page) error {
	p := page.Context(ctx).Timeout(t.pingTimeout)
	res, err := p.Eval(`() => window.__browserclaw ? window.__browserclaw.ping() : null`)
	if err != nil {
		return fmt.Errorf("executor ping: %w", err)
	}
	if res.Value.Nil() {
		return ErrNoReceiver
	}
	return nil
}

// Inject installs the executor into the page. Installing twice is a no-op;
// the script guards on window.__browserclaw.
func (t *PageTransport) Inject(ctx context.Context, page *rod.Page) error {
	_, err := page.Context(ctx).Eval("() => {\n" + executorJS + "\n}")
	if err != nil {
		return fmt.Errorf("executor inject: %w", err)
	}
	L_debug("dom: executor injected", "target", page.TargetID)
	return nil
}

// Dispatch forwards a command envelope to the executor. The eval awaits the
// executor's promise, so DOM waits (waitFor) resolve here.
func (t *PageTransport) Dispatch(ctx context.Context, page *rod.Page, cmd protocol.Command) (protocol.Result, error) {
	res, err := page.Context(ctx).Eval(
		`c => window.__browserclaw ? window.__browserclaw.dispatch(c) : null`, cmd)
	if err != nil {
		return protocol.Result{}, fmt.Errorf("executor dispatch: %w", err)
	}
	if res.Value.Nil() {
		return protocol.Result{}, ErrNoReceiver
	}

	var out protocol.Result
	if err := json.Unmarshal([]byte(res.Value.String()), &out); err != nil {
		return protocol.Result{}, fmt.Errorf("executor reply decode: %w", err)
	}
	return out, nil
}
