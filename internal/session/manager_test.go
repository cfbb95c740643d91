package session

import (
	"context"
	"errors"
	"testing"

	"github.com/go-rod/rod"

	"github.com/roelfdiedericks/browserclaw/internal/dom"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

func intPtr(n int) *int { return &n }

func TestMatchTabPriority(t *testing.T) {
	tabs := []*TabInfo{
		{TargetID: "t0", Title: "Example Domain", URL: "https://example.com/"},
		{TargetID: "t1", Title: "Hacker News", URL: "https://news.ycombinator.com/"},
		{TargetID: "t2", Title: "Example News", URL: "https://example.org/news"},
	}

	tests := []struct {
		name string
		sel  TargetSelector
		want string // TargetID, "" for no match
	}{
		{"index in range", TargetSelector{Index: intPtr(1)}, "t1"},
		{"index zero", TargetSelector{Index: intPtr(0)}, "t0"},
		{"title substring", TargetSelector{Title: "Hacker"}, "t1"},
		{"url substring", TargetSelector{URLMatch: "ycombinator"}, "t1"},
		{"index wins over title", TargetSelector{Index: intPtr(0), Title: "Hacker"}, "t0"},
		{"title wins over url", TargetSelector{Title: "Example", URLMatch: "ycombinator"}, "t0"},
		{"out of range index falls through to title", TargetSelector{Index: intPtr(9), Title: "Hacker"}, "t1"},
		{"negative index falls through", TargetSelector{Index: intPtr(-1), URLMatch: "example.org"}, "t2"},
		{"no match", TargetSelector{Title: "nope"}, ""},
		{"empty selector", TargetSelector{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchTab(tabs, tt.sel)
			if tt.want == "" {
				if got != nil {
					t.Fatalf("expected no match, got %s", got.TargetID)
				}
				return
			}
			if got == nil {
				t.Fatalf("expected %s, got no match", tt.want)
			}
			if got.TargetID != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.TargetID)
			}
		})
	}
}

func TestSelectorFromArgs(t *testing.T) {
	cmd := protocol.Command{
		ID:   "c1",
		Cmd:  "switchTab",
		Args: map[string]any{"index": float64(2), "title": "News", "urlMatch": "example"},
	}
	sel := SelectorFromArgs(cmd)
	if sel.Index == nil || *sel.Index != 2 {
		t.Fatalf("index not parsed: %+v", sel)
	}
	if sel.Title != "News" || sel.URLMatch != "example" {
		t.Fatalf("strings not parsed: %+v", sel)
	}
	if !sel.Explicit() {
		t.Fatal("selector should be explicit")
	}

	empty := SelectorFromArgs(protocol.Command{ID: "c2", Cmd: "screenshot"})
	if empty.Explicit() {
		t.Fatal("empty selector should not be explicit")
	}
}

// fakeTransport scripts Dispatch outcomes per attempt.
type fakeTransport struct {
	outcomes []error
	calls    int
	pings    int
	injects  int
}

func (f *fakeTransport) Ping(ctx context.Context, page *rod.Page) error {
	f.pings++
	return dom.ErrNoReceiver
}

func (f *fakeTransport) Inject(ctx context.Context, page *rod.Page) error {
	f.injects++
	return nil
}

func (f *fakeTransport) Dispatch(ctx context.Context, page *rod.Page, cmd protocol.Command) (protocol.Result, error) {
	var err error
	if f.calls < len(f.outcomes) {
		err = f.outcomes[f.calls]
	}
	f.calls++
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.OKResult(cmd.ID, map[string]any{"clicked": true}), nil
}

// readyTransport reports the executor as always present.
type readyTransport struct {
	fakeTransport
}

func (r *readyTransport) Ping(ctx context.Context, page *rod.Page) error {
	r.pings++
	return nil
}

func TestEnsureExecutorReadySkipsInjectWhenPresent(t *testing.T) {
	rt := &readyTransport{}
	m := NewManager(nil, rt, nil)

	m.EnsureExecutorReady(context.Background(), nil)
	m.EnsureExecutorReady(context.Background(), nil)

	if rt.pings != 2 {
		t.Fatalf("expected 2 probes, got %d", rt.pings)
	}
	if rt.injects != 0 {
		t.Fatalf("executor reinjected despite a healthy probe: %d", rt.injects)
	}
}

func TestSendWithRetrySucceedsAfterReinject(t *testing.T) {
	ft := &fakeTransport{outcomes: []error{dom.ErrNoReceiver, nil}}
	m := NewManager(nil, ft, nil)

	res, err := m.SendWithRetry(context.Background(), nil, protocol.Command{ID: "c1", Cmd: "click"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok result, got %+v", res)
	}
	if ft.calls != 2 {
		t.Fatalf("expected 2 dispatch attempts, got %d", ft.calls)
	}
	if ft.injects != 1 {
		t.Fatalf("expected 1 reinject, got %d", ft.injects)
	}
}

func TestSendWithRetryExhausted(t *testing.T) {
	ft := &fakeTransport{outcomes: []error{dom.ErrNoReceiver, dom.ErrNoReceiver}}
	m := NewManager(nil, ft, nil)

	_, err := m.SendWithRetry(context.Background(), nil, protocol.Command{ID: "c1", Cmd: "click"})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != protocol.ErrNoReceiverAfterRetry {
		t.Fatalf("expected %q, got %q", protocol.ErrNoReceiverAfterRetry, err.Error())
	}
	if ft.calls != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", ft.calls)
	}
}

func TestSendWithRetryOtherErrorsPropagate(t *testing.T) {
	boom := errors.New("eval failed")
	ft := &fakeTransport{outcomes: []error{boom}}
	m := NewManager(nil, ft, nil)

	_, err := m.SendWithRetry(context.Background(), nil, protocol.Command{ID: "c1", Cmd: "click"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected dispatch error passed through, got %v", err)
	}
	if ft.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", ft.calls)
	}
}
