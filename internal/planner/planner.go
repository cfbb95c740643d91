// Package planner turns a natural-language goal into a command plan via an
// OpenAI-compatible chat endpoint.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/browserclaw/internal/config"
	. "github.com/roelfdiedericks/browserclaw/internal/logging"
	"github.com/roelfdiedericks/browserclaw/internal/protocol"
)

const systemPrompt = `You are a planning engine that outputs ONLY JSON (array or {"steps":[...]}).
RULES:
- Only use: navigate, waitFor, query, click, type, scroll, switchTab, screenshot, extract, ping, openTab.
- Prefer 'openTab' over 'navigate' when the goal is to show a new page to the user.
- Do NOT print or summarize results; the controller will show opened pages.
- Use 'query' only to fetch hrefs or small pieces needed for the next action.
- Do NOT add date/time filters unless the USER explicitly requested a timeframe (e.g., 'last 14 days', 'since 2025-07-01').
- If timeframe is requested for Gmail, map it to:
  last N days -> newer_than:Nd
  last N weeks -> newer_than:(N*7)d
  last N months -> newer_than:Nm
  since YYYY-MM-DD -> after:YYYY/MM/DD
- JSON ONLY. No explanations.
`

// fewshot pairs a task with the plan the model should produce for it.
type fewshot struct {
	task  string
	steps []protocol.Command
}

var fewshots = []fewshot{
	{
		task: "open hugging face papers and get the latest link",
		steps: []protocol.Command{
			{ID: "a1", Cmd: "openTab", Args: map[string]any{"url": "https://huggingface.co/papers", "active": true}},
			{ID: "a2", Cmd: "waitFor", Args: map[string]any{"selector": "main section article", "timeoutMs": 15000}},
			{ID: "a3", Cmd: "waitFor", Args: map[string]any{"selector": "input[type='search']", "timeoutMs": 8000}},
			{ID: "a4", Cmd: "type", Args: map[string]any{"selector": "input[type='search']", "text": "UI Agents", "submit": false}},
			{ID: "a5", Cmd: "waitFor", Args: map[string]any{"selector": "main section article", "timeoutMs": 8000}},
			{ID: "a6", Cmd: "query", Args: map[string]any{"selector": "main section article:nth-of-type(1) a[href^='/papers/']", "all": false, "attr": "href"}},
		},
	},
	{
		task: "open gmail promotions and list unread promotions",
		steps: []protocol.Command{
			{ID: "g1", Cmd: "openTab", Args: map[string]any{"url": "https://mail.google.com/mail/u/0/#search/category%3Apromotions%20is%3Aunread", "active": true}},
			{ID: "g2", Cmd: "waitFor", Args: map[string]any{"selector": "div[role='main']", "timeoutMs": 20000}},
			{ID: "g3", Cmd: "waitFor", Args: map[string]any{"selector": "tr.zA", "timeoutMs": 25000}},
		},
	},
	{
		task: "open gmail promotions and list unread promotions from the last 14 days",
		steps: []protocol.Command{
			{ID: "g1", Cmd: "openTab", Args: map[string]any{"url": "https://mail.google.com/mail/u/0/#search/category%3Apromotions%20is%3Aunread%20newer_than%3A14d", "active": true}},
			{ID: "g2", Cmd: "waitFor", Args: map[string]any{"selector": "div[role='main']", "timeoutMs": 20000}},
			{ID: "g3", Cmd: "waitFor", Args: map[string]any{"selector": "tr.zA", "timeoutMs": 25000}},
		},
	},
}

var jsonBlockRe = regexp.MustCompile(`(?s)(\{.*\}|\[.*\])`)

// Planner produces plans from one configured model endpoint.
type Planner struct {
	client *openai.Client
	model  string
}

func New(cfg config.PlannerConfig) *Planner {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed" // local servers don't check it
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		clientCfg.BaseURL = baseURL
	}

	return &Planner{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

// Plan asks the model for a step list. Model output that cannot be parsed
// into any plan collapses to a single harmless ping.
func (p *Planner) Plan(ctx context.Context, task string) (*protocol.Plan, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildFewshotPrompt(task)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty response")
	}

	raw := resp.Choices[0].Message.Content
	L_trace("planner: model output", "raw", raw)

	plan := parsePlan(raw)
	L_debug("planner: plan built", "task", task, "steps", len(plan.Steps))
	return plan, nil
}

func buildFewshotPrompt(task string) string {
	var b strings.Builder
	for _, fs := range fewshots {
		b.WriteString("USER: " + fs.task + "\n")
		b.WriteString("ASSISTANT:\n")
		steps, _ := json.Marshal(fs.steps)
		b.Write(steps)
		b.WriteString("\n\n")
	}
	b.WriteString("USER: " + task + "\n")
	b.WriteString("ASSISTANT:\n")
	return b.String()
}

// parsePlan extracts, sanitizes and id-fills a plan from model text. It
// never fails: anything unusable becomes a single ping plan.
func parsePlan(raw string) *protocol.Plan {
	blob := extractJSON(raw)
	if blob == "" {
		L_warn("planner: no JSON in model output, falling back to ping")
		return pingPlan()
	}

	var steps []protocol.Command
	if err := json.Unmarshal([]byte(blob), &steps); err != nil {
		var wrapped struct {
			Steps []protocol.Command `json:"steps"`
			Plan  []protocol.Command `json:"plan"`
		}
		if err := json.Unmarshal([]byte(blob), &wrapped); err != nil {
			L_warn("planner: unparseable plan JSON, falling back to ping", "error", err)
			return pingPlan()
		}
		steps = wrapped.Steps
		if len(steps) == 0 {
			steps = wrapped.Plan
		}
	}

	out := make([]protocol.Command, 0, len(steps))
	for _, s := range steps {
		if !protocol.CommandNames[s.Cmd] {
			L_debug("planner: dropping unknown command", "cmd", s.Cmd)
			continue
		}
		if s.ID == "" {
			s.ID = mkID()
		}
		if s.Args == nil {
			s.Args = map[string]any{}
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return pingPlan()
	}
	return &protocol.Plan{Steps: out}
}

// extractJSON pulls the first JSON object or array out of model text,
// tolerating markdown fences and prose around it.
func extractJSON(txt string) string {
	t := strings.TrimSpace(txt)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		return t
	}
	if m := jsonBlockRe.FindString(txt); m != "" {
		return m
	}
	return ""
}

func mkID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func pingPlan() *protocol.Plan {
	return &protocol.Plan{Steps: []protocol.Command{
		{ID: mkID(), Cmd: "ping", Args: map[string]any{}},
	}}
}
