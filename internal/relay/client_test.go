package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/browserclaw/internal/config"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
	"github.com/roelfdiedericks/browserclaw/internal/relayserver"
)

// recordingHandler answers every command with an ok result.
type recordingHandler struct {
	mu   sync.Mutex
	cmds []protocol.Command
}

func (h *recordingHandler) Handle(ctx context.Context, cmd protocol.Command) (protocol.Result, bool) {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()
	return protocol.OKResult(cmd.ID, map[string]any{"handled": cmd.Cmd}), true
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.cmds)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// startRelay runs a relay server on addr and returns a stop func that also
// drops upgraded websocket peers.
func startRelay(t *testing.T, addr string) (func(), string) {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	rs := relayserver.New(nil)
	srv := &http.Server{Handler: rs.Handler()}
	go srv.Serve(ln)
	return func() {
		rs.Close()
		srv.Close()
	}, ln.Addr().String()
}

func dialController(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(protocol.NewHello(protocol.RoleController)); err != nil {
		t.Fatal(err)
	}
	return conn
}

// readByID skips frames until one carries the wanted id.
func readByID(t *testing.T, conn *websocket.Conn, id string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["id"] == id {
			return msg
		}
	}
}

func TestClientHandlesForwardedCommands(t *testing.T) {
	stopRelay, addr := startRelay(t, "127.0.0.1:0")
	defer stopRelay()

	handler := &recordingHandler{}
	client := NewClient(config.RelayConfig{URL: "ws://" + addr, RetryDelay: "100ms"}, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 3*time.Second, func() bool { return client.State() == StateConnected })

	controller := dialController(t, "ws://"+addr)

	if err := controller.WriteJSON(protocol.Command{
		ID: "c1", Cmd: "navigate",
		Args: map[string]any{"url": "https://example.com"},
	}); err != nil {
		t.Fatal(err)
	}

	res := readByID(t, controller, "c1")
	if res["ok"] != true {
		t.Fatalf("unexpected result: %v", res)
	}
	if handler.count() != 1 {
		t.Fatalf("expected 1 handled command, got %d", handler.count())
	}
}

func TestClientIgnoresInformationalFrames(t *testing.T) {
	stopRelay, addr := startRelay(t, "127.0.0.1:0")
	defer stopRelay()

	handler := &recordingHandler{}
	client := NewClient(config.RelayConfig{URL: "ws://" + addr, RetryDelay: "100ms"}, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 3*time.Second, func() bool { return client.State() == StateConnected })

	controller := dialController(t, "ws://"+addr)

	// A frame with no cmd field is informational; the adapter must not
	// treat it as a command or reply to it.
	if err := controller.WriteJSON(map[string]any{"type": "note", "id": "n1"}); err != nil {
		t.Fatal(err)
	}
	// A real command afterwards still works.
	if err := controller.WriteJSON(protocol.Command{
		ID: "c2", Cmd: "navigate",
		Args: map[string]any{"url": "https://example.org"},
	}); err != nil {
		t.Fatal(err)
	}

	res := readByID(t, controller, "c2")
	if res["ok"] != true {
		t.Fatalf("unexpected result: %v", res)
	}
	if handler.count() != 1 {
		t.Fatalf("informational frame reached the handler: %d", handler.count())
	}
}

func TestClientReconnectsWithConstantDelay(t *testing.T) {
	stopRelay, addr := startRelay(t, "127.0.0.1:0")

	handler := &recordingHandler{}
	client := NewClient(config.RelayConfig{URL: "ws://" + addr, RetryDelay: "100ms"}, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Stop()

	waitFor(t, 3*time.Second, func() bool { return client.State() == StateConnected })

	// Kill the relay and wait for the client to notice.
	stopRelay()
	waitFor(t, 3*time.Second, func() bool { return client.State() != StateConnected })

	// Bring the relay back on the same port; the client dials again on its
	// own and re-announces itself.
	stopRelay2, _ := startRelay(t, addr)
	defer stopRelay2()

	waitFor(t, 5*time.Second, func() bool { return client.State() == StateConnected })
	if client.Reconnects() < 1 {
		t.Fatalf("expected at least one reconnect, got %d", client.Reconnects())
	}

	controller := dialController(t, "ws://"+addr)
	if err := controller.WriteJSON(protocol.Command{
		ID: "c3", Cmd: "navigate",
		Args: map[string]any{"url": "https://example.com"},
	}); err != nil {
		t.Fatal(err)
	}
	res := readByID(t, controller, "c3")
	if res["ok"] != true {
		t.Fatalf("adapter not functional after reconnect: %v", res)
	}
}

func TestSendDropsWhenDisconnected(t *testing.T) {
	client := NewClient(config.RelayConfig{URL: "ws://127.0.0.1:1", RetryDelay: "1h"}, &recordingHandler{})
	if err := client.Send(protocol.OKResult("x", nil)); err == nil {
		t.Fatal("expected error when not connected")
	}
}

// Stop must wait for the connect loop even when it is called before the
// spawned goroutine has run; the loop registers with the wait group in
// Start, not inside the goroutine.
func TestStopImmediatelyAfterStart(t *testing.T) {
	client := NewClient(config.RelayConfig{URL: "ws://127.0.0.1:1", RetryDelay: "20ms"}, &recordingHandler{})
	client.Start(context.Background())
	client.Stop()

	client.mu.Lock()
	running := client.reconnecting
	client.mu.Unlock()
	if running {
		t.Fatal("connect loop still registered after Stop")
	}
	if client.State() == StateConnected {
		t.Fatalf("unexpected state after Stop: %s", client.State())
	}
}
