package backend

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ClaudeWorker runs tasks through the Claude Code CLI in print mode.
type ClaudeWorker struct {
	binary       string
	model        string
	systemPrompt string
	extraArgs    []string
}

// claudeResponse is the JSON document printed by `claude -p --output-format json`.
// Older releases nest the answer under result.content.
type claudeResponse struct {
	Type       string          `json:"type"`
	IsError    bool            `json:"is_error"`
	Result     json.RawMessage `json:"result"`
	SessionID  string          `json:"session_id"`
	NumTurns   float64         `json:"num_turns"`
	DurationMS float64         `json:"duration_ms"`
	CostUSD    float64         `json:"total_cost_usd"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewClaudeWorker creates a Claude Code worker.
func NewClaudeWorker(cfg Config) *ClaudeWorker {
	binary := cfg.Command
	if binary == "" {
		binary = "claude"
	}
	return &ClaudeWorker{
		binary:       binary,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		extraArgs:    cfg.Args,
	}
}

func (w *ClaudeWorker) Kind() string { return "claude" }

// Command builds the claude invocation. Every attempt gets its own session
// so retries start from a clean conversation.
func (w *ClaudeWorker) Command(inv Invocation) (Command, error) {
	if inv.Prompt == "" {
		return Command{}, errors.New("claude worker: empty prompt")
	}
	return Command{
		Name:       w.binary,
		Args:       w.buildArgs(inv.Prompt, uuid.New().String()),
		Env:        baseEnv(inv),
		Dir:        inv.WorkDir,
		StdoutPath: inv.ResultPath,
	}, nil
}

func (w *ClaudeWorker) buildArgs(prompt, sessionID string) []string {
	args := []string{"-p", prompt, "--output-format", "json", "--session-id", sessionID}

	if w.model != "" {
		args = append(args, "--model", w.model)
	}
	if w.systemPrompt != "" {
		args = append(args, "--system-prompt", w.systemPrompt)
	}
	return append(args, w.extraArgs...)
}

// DecodeResult parses the claude JSON document.
func (w *ClaudeWorker) DecodeResult(data []byte) (Result, error) {
	if err := requireFields(data, "result", "is_error"); err != nil {
		return Result{}, fmt.Errorf("claude output: %w", err)
	}
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Result{}, fmt.Errorf("%w: claude output: %v", ErrUnparseableResult, err)
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err != nil {
		var nested claudeContent
		if err := json.Unmarshal(cr.Result, &nested); err == nil {
			for _, item := range nested.Content {
				if item.Type == "text" {
					text += item.Text
				}
			}
		}
	}

	return Result{
		Success: !cr.IsError,
		Message: text,
		Metrics: map[string]float64{
			"num_turns":      cr.NumTurns,
			"duration_ms":    cr.DurationMS,
			"total_cost_usd": cr.CostUSD,
		},
	}, nil
}
