// Package reasoner is the HTTP reasoning backend for the pipeline. It
// speaks the OpenAI-compatible chat-completions shape, which every major
// hosted service and most local servers expose.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/akearney/conveyor/internal/factory"
)

// Config selects the endpoint. Path defaults to the chat-completions
// route; BaseURL has any trailing slash stripped.
type Config struct {
	APIKey       string
	BaseURL      string
	Path         string
	ExtraHeaders map[string]string
}

type Client struct {
	cfg    Config
	client *http.Client
}

const defaultRequestTimeout = 10 * time.Minute

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: 0}}
}

// NewFromEnv builds a client from CONVEYOR_API_KEY / OPENAI_API_KEY and
// CONVEYOR_BASE_URL. It errors when no key is present so callers can fall
// back to the simulated backend explicitly.
func NewFromEnv() (*Client, error) {
	key := os.Getenv("CONVEYOR_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("reasoner: CONVEYOR_API_KEY or OPENAI_API_KEY is not set")
	}
	base := os.Getenv("CONVEYOR_BASE_URL")
	if base == "" {
		base = "https://api.openai.com"
	}
	return NewClient(Config{APIKey: key, BaseURL: base}), nil
}

// stageInstructions are the system prompts, one per stage. Each one pins
// the reply format the decode layer expects.
var stageInstructions = map[string]string{
	factory.StageArchitect: "You are a software architect. Choose the implementation technology for the request. " +
		`Reply with a single JSON object: {"language": "...", "framework": "...", "notes": "..."}.`,
	factory.StagePlanner: "You are a planning agent. Either ask clarifying questions or commit to a numbered plan. " +
		`Reply with a single JSON object: {"questions": [...], "plan": "...", "notes": "..."}. ` +
		"Leave questions empty once the request is clear enough to plan.",
	factory.StageTestDesign: "You are a test designer. Derive concrete test cases from the plan. " +
		`Reply with a JSON array of objects: {"function": "...", "inputs": [...], "expected": ..., "description": "..."}.`,
	factory.StageDevelop: "You are a developer. Write code that satisfies the task and its test cases. " +
		"Reply with exactly one fenced code block and nothing else.",
	factory.StageReview: "You are a code reviewer. Judge the accepted code for quality and safety. " +
		`Reply with a single JSON object: {"passed": true|false, "issues": [...]}.`,
	factory.StageCritique: "You are a debugging coach. Explain why the latest attempt failed and what to change. " +
		"Reply in plain prose.",
}

// Invoke renders the prompt context into a two-message chat request. The
// stage picks the system instruction; everything else becomes labeled
// sections of the user message, in key order so requests are reproducible.
func (c *Client) Invoke(ctx context.Context, pc factory.PromptContext) (string, error) {
	stage := pc["stage"]
	system, ok := stageInstructions[stage]
	if !ok {
		return "", fmt.Errorf("reasoner: no instructions for stage %q", stage)
	}

	keys := make([]string, 0, len(pc))
	for k := range pc {
		if k == "stage" || k == "model" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var user strings.Builder
	for _, k := range keys {
		if strings.TrimSpace(pc[k]) == "" {
			continue
		}
		fmt.Fprintf(&user, "## %s\n%s\n\n", k, pc[k])
	}

	body, err := json.Marshal(map[string]any{
		"model": pc["model"],
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user.String()},
		},
	})
	if err != nil {
		return "", err
	}

	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return parseChatCompletions(resp)
}

func parseChatCompletions(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("reasoner: chat.completions failed: status %d: %s", resp.StatusCode, truncate(string(raw), 512))
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("reasoner: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("reasoner: response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
