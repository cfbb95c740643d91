// Package protocol defines the command/result envelopes exchanged between the
// controller, the relay and the adapter, plus plan validation.
package protocol

import "encoding/json"

// Named error strings surfaced in Result.Error. The controller matches on
// these, so they are part of the wire contract.
const (
	ErrMissingSelector      = "missing_selector"
	ErrMissingSelectorOrXY  = "missing_selector_or_xy"
	ErrMissingURL           = "missing_url"
	ErrElementNotFound      = "element_not_found"
	ErrTabNotFound          = "tab_not_found"
	ErrWaitForTimeout       = "waitFor_timeout"
	ErrTabLoadTimeout       = "tab_load_timeout"
	ErrNoReceiverAfterRetry = "no_receiver_after_retry"
	ErrUnknownCommand       = "unknown_command"
	ErrInvalidJSON          = "invalid_json"
	ErrPeerNotConnected     = "peer_not_connected"
	ErrForwardFailed        = "forward_failed"
	ErrAdapterNotConnected  = "adapter_not_connected"
)

// Roles announced in hello frames.
const (
	RoleAdapter    = "adapter"
	RoleController = "controller"
)

// Command is an inbound command envelope. ID is caller-assigned and opaque;
// the adapter never generates one.
type Command struct {
	ID   string         `json:"id"`
	Cmd  string         `json:"cmd"`
	Args map[string]any `json:"args,omitempty"`
}

// Result is an outbound result envelope. Exactly one of Data/Error is
// meaningful, selected by OK. Result.ID always equals the Command.ID it
// answers; there is no other correlation mechanism.
type Result struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Hello is the role announcement sent on connect.
type Hello struct {
	Type string `json:"type"`
	Role string `json:"role"`
}

// Status reports which peers the relay currently has.
type Status struct {
	Type                string `json:"type"`
	AdapterConnected    bool   `json:"adapter_connected"`
	ControllerConnected bool   `json:"controller_connected"`
}

// NewHello builds a hello frame for the given role.
func NewHello(role string) Hello {
	return Hello{Type: "hello", Role: role}
}

// OKResult builds a successful result for id.
func OKResult(id string, data any) Result {
	return Result{ID: id, OK: true, Data: data}
}

// FailResult builds a failed result for id.
func FailResult(id string, errStr string) Result {
	return Result{ID: id, OK: false, Error: errStr}
}

// GetArg returns a raw argument value.
func (c *Command) GetArg(key string) (any, bool) {
	if c.Args == nil {
		return nil, false
	}
	v, ok := c.Args[key]
	return v, ok
}

// StringArg returns a string argument, or "" if absent or not a string.
func (c *Command) StringArg(key string) string {
	v, ok := c.GetArg(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// BoolArg returns a boolean argument, or false if absent.
func (c *Command) BoolArg(key string) bool {
	v, ok := c.GetArg(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IntArg returns an integer argument. JSON numbers decode as float64, so both
// representations are accepted. ok is false when the key is absent or not
// numeric.
func (c *Command) IntArg(key string) (int, bool) {
	v, present := c.GetArg(key)
	if !present {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// DecodeCommand parses a wire frame as a command envelope. ok is false for
// frames that are not valid JSON objects or carry no cmd field; those are
// informational traffic (hello, status, replies) and are not protocol errors.
func DecodeCommand(raw []byte) (Command, bool) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, false
	}
	if cmd.Cmd == "" {
		return Command{}, false
	}
	if cmd.Args == nil {
		cmd.Args = map[string]any{}
	}
	return cmd, true
}
