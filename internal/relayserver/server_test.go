package relayserver

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := New(nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func sendHello(t *testing.T, conn *websocket.Conn, role string) {
	t.Helper()
	if err := conn.WriteJSON(protocol.NewHello(role)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	ack := readFrame(t, conn)
	if ack["ok"] != true || ack["role"] != role {
		t.Fatalf("unexpected hello ack: %v", ack)
	}
}

func TestHelloAckAndStatus(t *testing.T) {
	_, url := startTestServer(t)

	controller := dial(t, url)
	sendHello(t, controller, protocol.RoleController)

	// Role set triggers a status broadcast to controllers.
	st := readFrame(t, controller)
	if st["type"] != "status" || st["controller_connected"] != true || st["adapter_connected"] != false {
		t.Fatalf("unexpected status: %v", st)
	}

	adapter := dial(t, url)
	sendHello(t, adapter, protocol.RoleAdapter)

	st = readFrame(t, controller)
	if st["adapter_connected"] != true {
		t.Fatalf("adapter connect not broadcast: %v", st)
	}
}

func TestStatusOnRequest(t *testing.T) {
	_, url := startTestServer(t)
	conn := dial(t, url)
	if err := conn.WriteJSON(map[string]any{"type": "status"}); err != nil {
		t.Fatal(err)
	}
	st := readFrame(t, conn)
	if st["type"] != "status" || st["adapter_connected"] != false {
		t.Fatalf("unexpected status: %v", st)
	}
}

func TestRelayAnswersPingLocally(t *testing.T) {
	_, url := startTestServer(t)
	conn := dial(t, url)
	sendHello(t, conn, protocol.RoleAdapter)

	if err := conn.WriteJSON(protocol.Command{ID: "boot-1", Cmd: "ping"}); err != nil {
		t.Fatal(err)
	}
	res := readFrame(t, conn)
	if res["id"] != "boot-1" || res["ok"] != true || res["data"] != "pong" {
		t.Fatalf("unexpected ping reply: %v", res)
	}
}

func TestInvalidJSON(t *testing.T) {
	_, url := startTestServer(t)
	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	res := readFrame(t, conn)
	if res["ok"] != false || res["error"] != protocol.ErrInvalidJSON {
		t.Fatalf("unexpected reply: %v", res)
	}
}

func TestPeerNotConnected(t *testing.T) {
	_, url := startTestServer(t)
	controller := dial(t, url)
	sendHello(t, controller, protocol.RoleController)
	readFrame(t, controller) // status broadcast

	if err := controller.WriteJSON(protocol.Command{ID: "c1", Cmd: "click"}); err != nil {
		t.Fatal(err)
	}
	res := readFrame(t, controller)
	if res["ok"] != false || res["error"] != protocol.ErrPeerNotConnected {
		t.Fatalf("unexpected reply: %v", res)
	}
}

func TestForwardBothWays(t *testing.T) {
	_, url := startTestServer(t)

	adapter := dial(t, url)
	sendHello(t, adapter, protocol.RoleAdapter)

	controller := dial(t, url)
	sendHello(t, controller, protocol.RoleController)
	readFrame(t, controller) // status broadcast

	// controller -> adapter
	if err := controller.WriteJSON(protocol.Command{
		ID: "c1", Cmd: "navigate",
		Args: map[string]any{"url": "https://example.com"},
	}); err != nil {
		t.Fatal(err)
	}
	cmd := readFrame(t, adapter)
	if cmd["id"] != "c1" || cmd["cmd"] != "navigate" {
		t.Fatalf("command not forwarded: %v", cmd)
	}

	// adapter -> controller
	if err := adapter.WriteJSON(protocol.OKResult("c1", map[string]any{"tabId": "t1"})); err != nil {
		t.Fatal(err)
	}
	res := readFrame(t, controller)
	if res["id"] != "c1" || res["ok"] != true {
		t.Fatalf("result not forwarded: %v", res)
	}
}

func TestRunLogWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runlog.jsonl")
	rl := NewRunLog(path)
	rl.Log("server_listening", map[string]any{"addr": "127.0.0.1:8765"})
	rl.Log("recv", map[string]any{"cmd": "ping"})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}
	var rec struct {
		T     string         `json:"t"`
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Event != "server_listening" || rec.T == "" || rec.Data["addr"] != "127.0.0.1:8765" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNilRunLogIsNoop(t *testing.T) {
	var rl *RunLog
	rl.Log("recv", nil) // must not panic
}
