// Package relayserver implements the local WebSocket relay that pairs one
// adapter with one controller and forwards envelopes between them.
package relayserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

const writeTimeout = 10 * time.Second

// peer is one connected websocket with a serialized writer.
type peer struct {
	conn *websocket.Conn
	role string

	writeMu sync.Mutex
}

func (p *peer) sendJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(v)
}

// Server relays frames between the adapter and the controller. The most
// recent connection for a role wins; earlier ones keep their socket but stop
// receiving forwarded traffic.
type Server struct {
	upgrader websocket.Upgrader
	runlog   *RunLog

	mu         sync.Mutex
	adapter    *peer
	controller *peer
	peers      map[*peer]bool

	httpServer *http.Server
}

func New(runlog *RunLog) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local relay, controller and adapter connect from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runlog: runlog,
		peers:  make(map[*peer]bool),
	}
}

// Handler returns the websocket endpoint, usable under httptest as well.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveWS)
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	L_info("relay: listening", "addr", addr)
	s.runlog.Log("server_listening", map[string]any{"addr": addr})
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close drops every connected peer. Upgraded websockets are hijacked from
// the HTTP server, so its own shutdown never reaches them.
func (s *Server) Close() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("relay: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = true
	s.mu.Unlock()

	L_debug("relay: client connected", "remote", r.RemoteAddr)
	s.runlog.Log("client_connected", map[string]any{"remote": r.RemoteAddr})

	defer s.dropPeer(p, r.RemoteAddr)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(p, raw)
	}
}

func (s *Server) dropPeer(p *peer, remote string) {
	s.mu.Lock()
	delete(s.peers, p)
	role := p.role
	if s.adapter == p {
		s.adapter = nil
	}
	if s.controller == p {
		s.controller = nil
	}
	s.mu.Unlock()

	p.conn.Close()
	L_debug("relay: client disconnected", "remote", remote, "role", role)
	s.runlog.Log("client_disconnected", map[string]any{"remote": remote, "role": role})
	s.broadcastStatus()
}

func (s *Server) status() protocol.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.Status{
		Type:                "status",
		AdapterConnected:    s.adapter != nil,
		ControllerConnected: s.controller != nil,
	}
}

// broadcastStatus pushes the current status to every controller.
func (s *Server) broadcastStatus() {
	st := s.status()
	s.mu.Lock()
	var targets []*peer
	for p := range s.peers {
		if p.role == protocol.RoleController {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		if err := p.sendJSON(st); err != nil {
			L_debug("relay: status send failed", "error", err)
		}
	}
}

func (s *Server) handleFrame(p *peer, raw []byte) {
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.runlog.Log("recv_invalid_json", map[string]any{"raw": string(raw)})
		p.sendJSON(map[string]any{"ok": false, "error": protocol.ErrInvalidJSON})
		return
	}

	s.runlog.Log("recv", msg)

	msgType, _ := msg["type"].(string)

	// Role negotiation.
	if msgType == "hello" {
		role, _ := msg["role"].(string)
		if role == protocol.RoleAdapter || role == protocol.RoleController {
			s.setRole(p, role)
			p.sendJSON(map[string]any{"ok": true, "role": role})
			s.runlog.Log("role_set", map[string]any{"role": role})
			s.broadcastStatus()
			return
		}
	}

	// Anyone may ask for status.
	if msgType == "status" {
		p.sendJSON(s.status())
		return
	}

	id, _ := msg["id"].(string)

	// The relay answers pings itself so either side can probe liveness
	// without a peer.
	if cmd, _ := msg["cmd"].(string); cmd == "ping" {
		p.sendJSON(protocol.OKResult(id, "pong"))
		return
	}

	target := s.peerFor(p)
	if target == nil {
		p.sendJSON(protocol.FailResult(id, protocol.ErrPeerNotConnected))
		return
	}
	if err := target.sendJSON(msg); err != nil {
		L_warn("relay: forward failed", "error", err)
		s.runlog.Log("send_error", map[string]any{"error": err.Error()})
		p.sendJSON(protocol.FailResult(id, protocol.ErrForwardFailed))
	}
}

func (s *Server) setRole(p *peer, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.role = role
	if role == protocol.RoleAdapter {
		s.adapter = p
	} else {
		s.controller = p
	}
}

// peerFor returns the opposite side for a peer with a negotiated role.
func (s *Server) peerFor(p *peer) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p.role {
	case protocol.RoleController:
		return s.adapter
	case protocol.RoleAdapter:
		return s.controller
	}
	return nil
}
