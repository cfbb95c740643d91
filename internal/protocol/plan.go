package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandNames is the accepted command vocabulary.
var CommandNames = map[string]bool{
	"ping":       true,
	"navigate":   true,
	"openTab":    true,
	"switchTab":  true,
	"screenshot": true,
	"extract":    true,
	"waitFor":    true,
	"query":      true,
	"click":      true,
	"type":       true,
	"scroll":     true,
}

// Plan is an ordered sequence of command steps produced by a planner.
type Plan struct {
	Steps []Command `json:"steps"`
}

// ValidatePlan parses and validates planner output. It accepts
// {"steps":[...]}, {"plan":[...]} or a bare array of steps, since LLMs are
// inconsistent about the envelope they wrap plans in.
func ValidatePlan(raw []byte) (*Plan, error) {
	var steps []Command

	// Bare array form
	if err := json.Unmarshal(raw, &steps); err != nil {
		// Object form with "steps" or "plan"
		var obj struct {
			Steps []Command `json:"steps"`
			Plan  []Command `json:"plan"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("unrecognized plan format: %w", err)
		}
		switch {
		case obj.Steps != nil:
			steps = obj.Steps
		case obj.Plan != nil:
			steps = obj.Plan
		default:
			return nil, fmt.Errorf("unrecognized plan format: no steps")
		}
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	for i := range steps {
		step := &steps[i]
		if step.ID == "" {
			return nil, fmt.Errorf("step %d: missing id", i)
		}
		if !CommandNames[step.Cmd] {
			return nil, fmt.Errorf("step %d: unknown cmd %q", i, step.Cmd)
		}
		if step.Args == nil {
			step.Args = map[string]any{}
		}
	}

	return &Plan{Steps: steps}, nil
}

// ValidateArgs checks the required arguments for a command and returns the
// named error string ("" when valid). DOM-side checks are repeated inside the
// page executor, but validating here fails fast without a tab round-trip.
func ValidateArgs(cmd Command) string {
	switch cmd.Cmd {
	case "navigate", "openTab":
		if cmd.StringArg("url") == "" {
			return ErrMissingURL
		}
	case "waitFor", "query":
		if cmd.StringArg("selector") == "" {
			return ErrMissingSelector
		}
	case "click":
		if cmd.StringArg("selector") == "" {
			if _, ok := cmd.GetArg("xy"); !ok {
				return ErrMissingSelectorOrXY
			}
		}
	case "type":
		if cmd.StringArg("selector") == "" {
			return ErrMissingSelector
		}
	}
	return ""
}
