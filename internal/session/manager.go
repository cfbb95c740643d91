// Package session tracks which browser tab is active for automation and
// guarantees the DOM command executor is present there before forwarding
// DOM commands.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/roelfdiedericks/browserclaw/internal/dom"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

const (
	// Settle delay after injecting the executor before treating it as ready.
	settleDelay = 300 * time.Millisecond
	// How long a navigation may take before tab_load_timeout.
	loadTimeout = 20 * time.Second
	// Total dispatch attempts before no_receiver_after_retry.
	maxSendAttempts = 2
)

// TabInfo describes one open tab.
type TabInfo struct {
	TargetID string `json:"tabId"`
	Title    string `json:"title"`
	URL      string `json:"url"`

	page *rod.Page
}

// TargetSelector picks a tab by index, title substring or URL substring, in
// that priority order. A nil Index means no index was supplied.
type TargetSelector struct {
	Index    *int
	Title    string
	URLMatch string
}

// SelectorFromArgs extracts a TargetSelector from command args.
func SelectorFromArgs(cmd protocol.Command) TargetSelector {
	var sel TargetSelector
	if n, ok := cmd.IntArg("index"); ok {
		sel.Index = &n
	}
	sel.Title = cmd.StringArg("title")
	sel.URLMatch = cmd.StringArg("urlMatch")
	return sel
}

// Explicit reports whether any selection criterion was supplied.
func (s TargetSelector) Explicit() bool {
	return s.Index != nil || s.Title != "" || s.URLMatch != ""
}

// PageFactory creates a new tab, optionally navigated to a URL. The browser
// layer supplies one so its stealth patching covers every tab the session
// opens.
type PageFactory func(url string) (*rod.Page, error)

// Manager resolves target tabs and owns tab-level operations. One instance
// per adapter process, constructed at startup; there is no ambient state.
type Manager struct {
	browser   *rod.Browser
	transport dom.Transport
	newPage   PageFactory

	mu           sync.Mutex
	activeTarget string // CDP target id of the tracked active tab
}

// NewManager creates a tab session manager on the given browser. A nil
// newPage falls back to plain page creation.
func NewManager(browser *rod.Browser, transport dom.Transport, newPage PageFactory) *Manager {
	if newPage == nil {
		newPage = func(url string) (*rod.Page, error) {
			return browser.Page(proto.TargetCreateTarget{URL: url})
		}
	}
	return &Manager{browser: browser, transport: transport, newPage: newPage}
}

// Watch subscribes to target lifecycle events so the tracked active tab
// follows what the browser itself does, independent of command activity.
// New pages become the active tab; destroying the active tab clears it.
// CDP emits no event when the user merely focuses another existing tab, so
// a manual switch is not observed here; ActivePage reconciles against the
// open tabs when the tracked one is gone, and switchTab is the explicit
// path for retargeting.
func (m *Manager) Watch() {
	go m.browser.EachEvent(func(e *proto.TargetTargetCreated) {
		if e.TargetInfo.Type != "page" {
			return
		}
		m.mu.Lock()
		m.activeTarget = string(e.TargetInfo.TargetID)
		m.mu.Unlock()
		L_debug("session: tab created, now active", "target", e.TargetInfo.TargetID, "url", e.TargetInfo.URL)
	}, func(e *proto.TargetTargetDestroyed) {
		m.mu.Lock()
		if m.activeTarget == string(e.TargetID) {
			m.activeTarget = ""
		}
		m.mu.Unlock()
		L_debug("session: tab destroyed", "target", e.TargetID)
	})()
}

// Tabs enumerates open page tabs in browser order.
func (m *Manager) Tabs() ([]*TabInfo, error) {
	pages, err := m.browser.Pages()
	if err != nil {
		return nil, err
	}

	tabs := make([]*TabInfo, 0, len(pages))
	for _, page := range pages {
		tab := &TabInfo{TargetID: string(page.TargetID), page: page}
		if info, err := page.Info(); err == nil {
			tab.Title = info.Title
			tab.URL = info.URL
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// matchTab applies the index → title-contains → URL-contains priority. An
// out-of-range index falls through to the next criterion rather than failing.
func matchTab(tabs []*TabInfo, sel TargetSelector) *TabInfo {
	if sel.Index != nil && *sel.Index >= 0 && *sel.Index < len(tabs) {
		return tabs[*sel.Index]
	}
	if sel.Title != "" {
		for _, tab := range tabs {
			if strings.Contains(tab.Title, sel.Title) {
				return tab
			}
		}
	}
	if sel.URLMatch != "" {
		for _, tab := range tabs {
			if strings.Contains(tab.URL, sel.URLMatch) {
				return tab
			}
		}
	}
	return nil
}

// ResolveTarget picks the tab a command targets. Explicit selectors search
// open tabs; otherwise the tracked active tab is used, falling back to the
// browser's own first tab, creating a blank one only when none exists.
func (m *Manager) ResolveTarget(sel TargetSelector) (*rod.Page, error) {
	if sel.Explicit() {
		tabs, err := m.Tabs()
		if err != nil {
			return nil, err
		}
		tab := matchTab(tabs, sel)
		if tab == nil {
			return nil, errors.New(protocol.ErrTabNotFound)
		}
		return tab.page, nil
	}
	return m.ActivePage()
}

// ActivePage returns the tracked active tab, reconciling against reality:
// a stale tracked id falls back to the browser's first page.
func (m *Manager) ActivePage() (*rod.Page, error) {
	m.mu.Lock()
	target := m.activeTarget
	m.mu.Unlock()

	pages, err := m.browser.Pages()
	if err != nil {
		return nil, err
	}

	if target != "" {
		for _, page := range pages {
			if string(page.TargetID) == target {
				return page, nil
			}
		}
		L_debug("session: tracked active tab is gone", "target", target)
	}

	if len(pages) > 0 {
		m.setActive(pages[0])
		return pages[0], nil
	}

	// No tab at all: create a blank one.
	page, err := m.newPage("")
	if err != nil {
		return nil, err
	}
	m.setActive(page)
	L_debug("session: created blank tab", "target", page.TargetID)
	return page, nil
}

func (m *Manager) setActive(page *rod.Page) {
	m.mu.Lock()
	m.activeTarget = string(page.TargetID)
	m.mu.Unlock()
}

// EnsureExecutorReady probes the page for the executor and injects it when
// absent, waiting a short settle delay afterwards. Idempotent; safe to call
// before every DOM command. Injection failure is non-fatal: the next probe
// or dispatch reveals whether it actually worked.
func (m *Manager) EnsureExecutorReady(ctx context.Context, page *rod.Page) {
	err := m.transport.Ping(ctx, page)
	if err == nil {
		return
	}
	if !errors.Is(err, dom.ErrNoReceiver) {
		L_debug("session: executor probe failed, injecting anyway", "error", err)
	}
	if err := m.transport.Inject(ctx, page); err != nil {
		L_warn("session: executor injection failed", "error", err)
	}
	time.Sleep(settleDelay)
}

// SendWithRetry dispatches a DOM command to the page. A missing receiver
// triggers re-injection and one retry; any other failure propagates
// immediately. Exhausting attempts yields no_receiver_after_retry.
func (m *Manager) SendWithRetry(ctx context.Context, page *rod.Page, cmd protocol.Command) (protocol.Result, error) {
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		res, err := m.transport.Dispatch(ctx, page, cmd)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, dom.ErrNoReceiver) {
			return protocol.Result{}, err
		}
		L_debug("session: no receiver in tab, re-ensuring executor", "attempt", attempt, "cmd", cmd.Cmd)
		m.EnsureExecutorReady(ctx, page)
	}
	return protocol.Result{}, errors.New(protocol.ErrNoReceiverAfterRetry)
}

// RunDOM resolves the target tab, ensures the executor is ready there and
// forwards the command, returning whatever result envelope comes back.
func (m *Manager) RunDOM(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	page, err := m.ResolveTarget(SelectorFromArgs(cmd))
	if err != nil {
		return protocol.Result{}, err
	}
	m.EnsureExecutorReady(ctx, page)
	return m.SendWithRetry(ctx, page, cmd)
}
